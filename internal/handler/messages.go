package handler

import (
	"net/http"
	"time"

	"github.com/capitalize-ai/messaging/internal/middleware"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.Service
	logger  *logger.Logger
	now     func() time.Time
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.Service, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
		now:     time.Now,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := requireMember(w, r, h.service, h.logger)
	if !ok {
		return
	}

	msgs, err := h.service.ListMessages(r.Context(), conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: msgs})
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := requireMember(w, r, h.service, h.logger)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageBody(req.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateClientID(req.ClientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	msg, err := h.service.InsertMessage(ctx, model.NewMessage{
		ConversationID: conversationID,
		SenderID:       middleware.GetUserID(ctx),
		Body:           req.Body,
		ClientID:       req.ClientID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err, "send message")
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles POST /api/v1/messages/read. Only messages the caller
// received in their own conversations are stamped; the rest are skipped.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req model.ReadReceiptsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.MessageIDs) == 0 {
		writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: []model.Message{}})
		return
	}
	if err := middleware.ValidateIDs(req.MessageIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	at := req.At
	if at.IsZero() {
		at = h.now()
	}

	ctx := r.Context()
	stamped, err := h.service.UpdateMessagesReadAt(ctx, middleware.GetUserID(ctx), req.MessageIDs, at)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "mark messages read")
		return
	}
	if stamped == nil {
		stamped = []model.Message{}
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: stamped})
}
