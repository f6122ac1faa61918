package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/metrics"
)

// ListMessages returns a conversation's history, oldest first.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	ctx, span := s.startSpan(ctx, "ListMessages", attribute.String("conversation_id", conversationID))
	msgs, err := s.store.ListMessages(ctx, conversationID)
	endSpan(span, err)
	return msgs, err
}

// LatestMessages returns the newest message of each conversation.
func (s *Service) LatestMessages(ctx context.Context, conversationIDs []string) ([]model.Message, error) {
	ctx, span := s.startSpan(ctx, "LatestMessages", attribute.Int("conversations", len(conversationIDs)))
	msgs, err := s.store.LatestMessages(ctx, conversationIDs)
	endSpan(span, err)
	return msgs, err
}

// InsertMessage stores a message and announces it to the conversation.
func (s *Service) InsertMessage(ctx context.Context, nm model.NewMessage) (*model.Message, error) {
	ctx, span := s.startSpan(ctx, "InsertMessage",
		attribute.String("conversation_id", nm.ConversationID),
		attribute.String("user_id", nm.SenderID),
	)
	msg, err := s.store.InsertMessage(ctx, nm)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.Inc()
	s.publish(ctx, model.ChangeEvent{
		Table:          model.TableMessages,
		Op:             model.OpInsert,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	return msg, nil
}

// UpdateMessagesReadAt stamps read receipts and announces each stamped message.
func (s *Service) UpdateMessagesReadAt(ctx context.Context, readerID string, messageIDs []string, at time.Time) ([]model.Message, error) {
	ctx, span := s.startSpan(ctx, "UpdateMessagesReadAt",
		attribute.String("user_id", readerID),
		attribute.Int("messages", len(messageIDs)),
	)
	stamped, err := s.store.UpdateMessagesReadAt(ctx, readerID, messageIDs, at)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	metrics.ReadReceiptsTotal.Add(float64(len(stamped)))
	audiences := make(map[string][]string)
	for i := range stamped {
		msg := stamped[i]
		audience, ok := audiences[msg.ConversationID]
		if !ok {
			ids, err := s.store.MemberIDs(ctx, msg.ConversationID)
			if err == nil {
				audience = ids
			}
			audiences[msg.ConversationID] = audience
		}
		s.publish(ctx, model.ChangeEvent{
			Table:          model.TableMessages,
			Op:             model.OpUpdate,
			ConversationID: msg.ConversationID,
			Audience:       audience,
			Message:        &msg,
		})
	}
	return stamped, nil
}
