package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/middleware"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/presence"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

// UserHandler handles profile and presence endpoints.
type UserHandler struct {
	service  *service.Service
	presence *presence.Tracker
	logger   *logger.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc *service.Service, tracker *presence.Tracker, log *logger.Logger) *UserHandler {
	return &UserHandler{
		service:  svc,
		presence: tracker,
		logger:   log,
	}
}

// UpsertMe handles PUT /api/v1/users/me. An empty display name falls back
// to the name claim of the caller's token.
func (h *UserHandler) UpsertMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.UpsertUserRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = middleware.GetDisplayName(ctx)
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if err := middleware.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateName(req.Department); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.service.UpsertUser(ctx, userID, name, req.Department)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "save profile")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// SetPresence handles PUT /api/v1/users/me/presence
func (h *UserHandler) SetPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.PresenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st, err := h.presence.Set(ctx, middleware.GetUserID(ctx), req.Status)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "set presence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Status{"status": st})
}

// Get handles GET /api/v1/users/{id}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.service.GetUser(ctx, userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load user")
		return
	}

	st, err := h.presence.Get(ctx, userID)
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Warn("failed to read presence",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else {
		u.Status = st
	}
	writeJSON(w, http.StatusOK, u)
}
