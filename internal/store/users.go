package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
)

// UpsertUser creates the user's profile or updates its display fields.
func (s *Store) UpsertUser(ctx context.Context, id, displayName, department string) (*model.User, error) {
	displayName = strings.TrimSpace(displayName)
	if id == "" || displayName == "" {
		return nil, fmt.Errorf("user id and display name are required: %w", backend.ErrInvalidArgument)
	}

	query := s.rebind(`INSERT INTO users (id, display_name, department, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, department = excluded.department`)
	if _, err := s.db.ExecContext(ctx, query, id, displayName, strings.TrimSpace(department), string(model.StatusAvailable), s.timestamp()); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns a user's profile.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	query := s.rebind("SELECT id, display_name, department, status, created_at FROM users WHERE id = ?")

	var u model.User
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.Department, &status, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Status = model.Status(status)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// SetUserStatus updates a user's presence status.
func (s *Store) SetUserStatus(ctx context.Context, id string, status model.Status) error {
	query := s.rebind("UPDATE users SET status = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set user status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set user status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, backend.ErrNotFound)
	}
	return nil
}

// usersExist returns ErrNotFound naming the first id with no profile.
func (s *Store) usersExist(ctx context.Context, q querier, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := s.rebind(fmt.Sprintf("SELECT id FROM users WHERE id IN (%s)", placeholders(len(ids))))
	rows, err := q.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to look up users: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan user: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to look up users: %w", err)
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("user %s: %w", id, backend.ErrNotFound)
		}
	}
	return nil
}
