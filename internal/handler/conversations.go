package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging/internal/middleware"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.Service, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	convs, members, err := h.service.ListConversationsForUser(ctx, userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list conversations")
		return
	}

	if convs == nil {
		convs = []model.Conversation{}
	}
	if members == nil {
		members = []model.ConversationMember{}
	}
	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: convs,
		Memberships:   members,
	})
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, id := range req.MemberIDs {
		if err := middleware.ValidateUserID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conv, err := h.service.CreateGroupConversation(ctx, userID, req.Name, req.MemberIDs)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// StartDirect handles POST /api/v1/conversations/direct
func (h *ConversationHandler) StartDirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.StartDirectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateUserID(req.RecipientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.service.StartDirectConversation(ctx, userID, req.RecipientID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "start conversation")
		return
	}

	writeJSON(w, http.StatusOK, &model.StartDirectResponse{ConversationID: id})
}

// Members handles GET /api/v1/conversations/members?ids=
func (h *ConversationHandler) Members(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.memberOfAll(w, r)
	if !ok {
		return
	}

	members, err := h.service.ListMembers(r.Context(), ids)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list members")
		return
	}
	if members == nil {
		members = []model.MemberProfile{}
	}
	writeJSON(w, http.StatusOK, &model.ListMembersResponse{Members: members})
}

// Latest handles GET /api/v1/conversations/latest?ids=
func (h *ConversationHandler) Latest(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.memberOfAll(w, r)
	if !ok {
		return
	}

	msgs, err := h.service.LatestMessages(r.Context(), ids)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load latest messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: msgs})
}

// Unread handles GET /api/v1/conversations/unread?ids=
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	ids, ok := h.memberOfAll(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	counts, err := h.service.CountUnread(ctx, middleware.GetUserID(ctx), ids)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "count unread messages")
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	writeJSON(w, http.StatusOK, &model.UnreadCountsResponse{Unread: counts})
}

// Rename handles PUT /api/v1/conversations/{id}
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := requireMember(w, r, h.service, h.logger)
	if !ok {
		return
	}

	var req model.RenameConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.RenameConversation(r.Context(), conversationID, req.Name)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "rename conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// AddMembers handles POST /api/v1/conversations/{id}/members
func (h *ConversationHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := requireMember(w, r, h.service, h.logger)
	if !ok {
		return
	}

	var req model.AddMembersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids cannot be empty")
		return
	}
	for _, id := range req.UserIDs {
		if err := middleware.ValidateUserID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.service.AddMembers(r.Context(), conversationID, req.UserIDs); err != nil {
		writeServiceError(w, r, h.logger, err, "add members")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles PUT /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := requireMember(w, r, h.service, h.logger)
	if !ok {
		return
	}

	var req model.MarkReadRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	// The service stamps the watermark with the server clock.
	ctx := r.Context()
	if err := h.service.UpdateMemberLastReadAt(ctx, conversationID, middleware.GetUserID(ctx), req.At); err != nil {
		writeServiceError(w, r, h.logger, err, "mark conversation read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// memberOfAll reads the ids query parameter and checks the caller belongs
// to every listed conversation.
func (h *ConversationHandler) memberOfAll(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	ids := queryIDs(r)
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids cannot be empty")
		return nil, false
	}
	if err := middleware.ValidateIDs(ids); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	ctx := r.Context()
	mine, err := h.membershipSet(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load memberships")
		return nil, false
	}
	for _, id := range ids {
		if _, ok := mine[id]; !ok {
			writeError(w, http.StatusNotFound, "not found")
			return nil, false
		}
	}
	return ids, true
}

func (h *ConversationHandler) membershipSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	_, members, err := h.service.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m.ConversationID] = struct{}{}
	}
	return set, nil
}

// requireMember validates the {id} path parameter and checks the caller
// belongs to that conversation. Non-members get the same 404 as a missing
// conversation.
func requireMember(w http.ResponseWriter, r *http.Request, svc *service.Service, log *logger.Logger) (string, bool) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}

	ctx := r.Context()
	ok, err := svc.IsMember(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, log, err, "check membership")
		return "", false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return "", false
	}
	return conversationID, true
}
