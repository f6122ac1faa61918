package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/metrics"
)

// ListConversationsForUser returns the user's conversations and memberships.
func (s *Service) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, []model.ConversationMember, error) {
	ctx, span := s.startSpan(ctx, "ListConversationsForUser", attribute.String("user_id", userID))
	convs, members, err := s.store.ListConversationsForUser(ctx, userID)
	endSpan(span, err)
	return convs, members, err
}

// ListMembers returns the rosters of the given conversations.
func (s *Service) ListMembers(ctx context.Context, conversationIDs []string) ([]model.MemberProfile, error) {
	ctx, span := s.startSpan(ctx, "ListMembers", attribute.Int("conversations", len(conversationIDs)))
	members, err := s.store.ListMembers(ctx, conversationIDs)
	endSpan(span, err)
	return members, err
}

// CountUnread returns per-conversation unread counts for the user.
func (s *Service) CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	ctx, span := s.startSpan(ctx, "CountUnread", attribute.String("user_id", userID))
	counts, err := s.store.CountUnread(ctx, userID, conversationIDs)
	endSpan(span, err)
	return counts, err
}

// GetConversation returns a conversation by id.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// IsMember reports whether the user belongs to the conversation.
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.store.IsMember(ctx, conversationID, userID)
}

// StartDirectConversation gets or creates the direct conversation between
// userID and recipientID. Creation is announced to both users.
func (s *Service) StartDirectConversation(ctx context.Context, userID, recipientID string) (string, error) {
	ctx, span := s.startSpan(ctx, "StartDirectConversation",
		attribute.String("user_id", userID),
		attribute.String("recipient_id", recipientID),
	)
	id, created, err := s.store.StartDirectConversation(ctx, userID, recipientID)
	endSpan(span, err)
	if err != nil {
		return "", err
	}
	if !created {
		return id, nil
	}

	metrics.ConversationsTotal.WithLabelValues("direct").Inc()
	s.logger.Info("direct conversation created",
		zap.String("conversation_id", id),
		zap.String("user_id", userID),
		zap.String("recipient_id", recipientID),
	)
	s.announceConversation(ctx, id, model.OpInsert)
	return id, nil
}

// CreateGroupConversation creates a group with the creator and members.
func (s *Service) CreateGroupConversation(ctx context.Context, creatorID, name string, memberIDs []string) (*model.Conversation, error) {
	ctx, span := s.startSpan(ctx, "CreateGroupConversation",
		attribute.String("user_id", creatorID),
		attribute.Int("members", len(memberIDs)),
	)
	conv, err := s.store.CreateGroupConversation(ctx, creatorID, name, memberIDs)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.WithLabelValues("group").Inc()
	s.logger.Info("group conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", creatorID),
	)
	s.announceConversation(ctx, conv.ID, model.OpInsert)
	return conv, nil
}

// AddMembers adds users to a group and announces the new rows to every member.
func (s *Service) AddMembers(ctx context.Context, conversationID string, userIDs []string) error {
	ctx, span := s.startSpan(ctx, "AddMembers", attribute.String("conversation_id", conversationID))
	added, err := s.store.AddMembers(ctx, conversationID, userIDs)
	endSpan(span, err)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}

	s.publish(ctx, model.ChangeEvent{
		Table:          model.TableConversationMembers,
		Op:             model.OpInsert,
		ConversationID: conversationID,
		Members:        added,
	})
	return nil
}

// RenameConversation renames a group conversation.
func (s *Service) RenameConversation(ctx context.Context, conversationID, name string) (*model.Conversation, error) {
	ctx, span := s.startSpan(ctx, "RenameConversation", attribute.String("conversation_id", conversationID))
	conv, err := s.store.RenameConversation(ctx, conversationID, name)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, model.ChangeEvent{
		Table:          model.TableConversations,
		Op:             model.OpUpdate,
		ConversationID: conversationID,
		Conversation:   conv,
	})
	return conv, nil
}

// UpdateMemberLastReadAt moves the member's watermark forward to the
// server's now. Messages carry server timestamps, so the caller's at is only
// recorded on the span. Watermarks are private to the member and are not
// announced.
func (s *Service) UpdateMemberLastReadAt(ctx context.Context, conversationID, userID string, at time.Time) error {
	now := s.now()
	ctx, span := s.startSpan(ctx, "UpdateMemberLastReadAt",
		attribute.String("conversation_id", conversationID),
		attribute.String("user_id", userID),
		attribute.Int64("client_skew_ms", clientSkew(at, now).Milliseconds()),
	)
	err := s.store.UpdateMemberLastReadAt(ctx, conversationID, userID, now)
	endSpan(span, err)
	return err
}

func (s *Service) announceConversation(ctx context.Context, conversationID string, op model.Op) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Error("failed to load conversation for event",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	members, err := s.store.ListMembers(ctx, []string{conversationID})
	if err != nil {
		s.logger.Error("failed to load members for event",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	ev := model.ChangeEvent{
		Table:          model.TableConversations,
		Op:             op,
		ConversationID: conversationID,
		Conversation:   conv,
		Audience:       make([]string, 0, len(members)),
		Members:        make([]model.ConversationMember, 0, len(members)),
	}
	for _, m := range members {
		ev.Audience = append(ev.Audience, m.UserID)
		ev.Members = append(ev.Members, m.ConversationMember)
	}
	s.publish(ctx, ev)
}

func clientSkew(at, now time.Time) time.Duration {
	if at.IsZero() {
		return 0
	}
	return at.Sub(now)
}
