package service

import (
	"context"

	"github.com/capitalize-ai/messaging/internal/model"
)

// UpsertUser creates or updates a user's profile.
func (s *Service) UpsertUser(ctx context.Context, userID, displayName, department string) (*model.User, error) {
	ctx, span := s.startSpan(ctx, "UpsertUser")
	u, err := s.store.UpsertUser(ctx, userID, displayName, department)
	endSpan(span, err)
	return u, err
}

// GetUser returns a user's profile.
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetUser(ctx, userID)
}
