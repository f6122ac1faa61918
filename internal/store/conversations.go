package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
)

const conversationColumns = "c.id, c.name, c.is_group, c.created_by, c.created_at, c.updated_at"

func scanConversation(row rowScanner, extra ...any) (*model.Conversation, error) {
	var c model.Conversation
	var name sql.NullString
	dest := append([]any{&c.ID, &name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Name = nullString(name)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *Store) getConversation(ctx context.Context, q querier, id string) (*model.Conversation, error) {
	query := s.rebind("SELECT " + conversationColumns + " FROM conversations c WHERE c.id = ?")
	c, err := scanConversation(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first, together with the user's own membership rows.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, []model.ConversationMember, error) {
	query := s.rebind(`SELECT ` + conversationColumns + `, m.joined_at, m.last_read_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.updated_at DESC, c.id`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	var members []model.ConversationMember
	for rows.Next() {
		var joinedAt time.Time
		var lastRead sql.NullTime
		c, err := scanConversation(rows, &joinedAt, &lastRead)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, *c)
		members = append(members, model.ConversationMember{
			ConversationID: c.ID,
			UserID:         userID,
			JoinedAt:       joinedAt.UTC(),
			LastReadAt:     nullTime(lastRead),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, members, nil
}

// ListMembers returns the members of the given conversations with their
// profile fields. Members without a profile get empty profile fields.
func (s *Store) ListMembers(ctx context.Context, conversationIDs []string) ([]model.MemberProfile, error) {
	conversationIDs = uniqueStrings(conversationIDs)
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	query := s.rebind(fmt.Sprintf(`SELECT m.conversation_id, m.user_id, m.joined_at, m.last_read_at,
			COALESCE(u.display_name, ''), COALESCE(u.department, ''), COALESCE(u.status, 'Available')
		FROM conversation_members m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id IN (%s)
		ORDER BY m.conversation_id, m.joined_at, m.user_id`, placeholders(len(conversationIDs))))

	rows, err := s.db.QueryContext(ctx, query, stringArgs(conversationIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []model.MemberProfile
	for rows.Next() {
		var p model.MemberProfile
		var lastRead sql.NullTime
		var status string
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &lastRead, &p.DisplayName, &p.Department, &status); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		p.JoinedAt = p.JoinedAt.UTC()
		p.LastReadAt = nullTime(lastRead)
		p.Status = model.Status(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return out, nil
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.isMember(ctx, s.db, conversationID, userID)
}

func (s *Store) isMember(ctx context.Context, q querier, conversationID, userID string) (bool, error) {
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?)")
	var exists bool
	if err := q.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// MemberIDs returns the user ids of a conversation's members.
func (s *Store) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	query := s.rebind("SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id")
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list member ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StartDirectConversation returns the direct conversation between two users,
// creating it when none exists. created reports whether this call created it.
// Two concurrent callers for the same pair always get the same id.
func (s *Store) StartDirectConversation(ctx context.Context, userID, recipientID string) (id string, created bool, err error) {
	if userID == "" || recipientID == "" || userID == recipientID {
		return "", false, fmt.Errorf("direct conversation needs two distinct users: %w", backend.ErrInvalidArgument)
	}
	if err := s.usersExist(ctx, s.db, []string{recipientID}); err != nil {
		return "", false, err
	}

	low, high := model.DirectPairKey(userID, recipientID)
	lookup := s.rebind("SELECT conversation_id FROM direct_conversations WHERE user_low = ? AND user_high = ?")

	var lost bool
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, lookup, low, high).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up direct conversation: %w", err)
		}

		now := s.timestamp()
		id = uuid.Must(uuid.NewV7()).String()
		if err := s.insertConversation(ctx, tx, id, nil, false, userID, now); err != nil {
			return err
		}

		claim := s.rebind(`INSERT INTO direct_conversations (user_low, user_high, conversation_id)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`)
		res, err := tx.ExecContext(ctx, claim, low, high, id)
		if err != nil {
			return fmt.Errorf("failed to claim direct conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to claim direct conversation: %w", err)
		}
		if n == 0 {
			lost = true
			return errLostRace
		}

		if err := s.insertMembers(ctx, tx, id, []string{userID, recipientID}, now); err != nil {
			return err
		}
		created = true
		return nil
	})
	if lost {
		// Another caller committed the pair first.
		if err := s.db.QueryRowContext(ctx, lookup, low, high).Scan(&id); err != nil {
			return "", false, fmt.Errorf("failed to look up direct conversation: %w", err)
		}
		return id, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

var errLostRace = errors.New("direct conversation claimed concurrently")

// CreateGroupConversation creates a group conversation with the creator and
// memberIDs as members in a single transaction.
func (s *Store) CreateGroupConversation(ctx context.Context, creatorID, name string, memberIDs []string) (*model.Conversation, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("creator is required: %w", backend.ErrInvalidArgument)
	}
	others := make([]string, 0, len(memberIDs))
	for _, id := range uniqueStrings(memberIDs) {
		if id != creatorID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return nil, fmt.Errorf("group needs at least one member besides the creator: %w", backend.ErrInvalidArgument)
	}
	if err := s.usersExist(ctx, s.db, others); err != nil {
		return nil, err
	}

	var groupName *string
	if n := strings.TrimSpace(name); n != "" {
		groupName = &n
	}

	now := s.timestamp()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      groupName,
		IsGroup:   true,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertConversation(ctx, tx, conv.ID, groupName, true, creatorID, now); err != nil {
			return err
		}
		return s.insertMembers(ctx, tx, conv.ID, append([]string{creatorID}, others...), now)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// AddMembers adds users to a group conversation and returns the rows that
// were created. Users who are already members are skipped.
func (s *Store) AddMembers(ctx context.Context, conversationID string, userIDs []string) ([]model.ConversationMember, error) {
	userIDs = uniqueStrings(userIDs)
	if len(userIDs) == 0 {
		return nil, nil
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, fmt.Errorf("members can only be added to groups: %w", backend.ErrInvalidArgument)
	}
	if err := s.usersExist(ctx, s.db, userIDs); err != nil {
		return nil, err
	}

	now := s.timestamp()
	var added []model.ConversationMember
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`INSERT INTO conversation_members (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`)
		for _, uid := range userIDs {
			res, err := tx.ExecContext(ctx, query, conversationID, uid, now)
			if err != nil {
				return fmt.Errorf("failed to add member: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added = append(added, model.ConversationMember{ConversationID: conversationID, UserID: uid, JoinedAt: now})
			}
		}
		if len(added) == 0 {
			return nil
		}
		return s.touchConversation(ctx, tx, conversationID, now)
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// RenameConversation sets a group conversation's name. A blank name clears it.
func (s *Store) RenameConversation(ctx context.Context, conversationID, name string) (*model.Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, fmt.Errorf("direct conversations cannot be renamed: %w", backend.ErrInvalidArgument)
	}

	var newName sql.NullString
	if n := strings.TrimSpace(name); n != "" {
		newName = sql.NullString{String: n, Valid: true}
	}
	now := s.timestamp()
	query := s.rebind("UPDATE conversations SET name = ?, updated_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, newName, now, conversationID); err != nil {
		return nil, fmt.Errorf("failed to rename conversation: %w", err)
	}

	conv.Name = nullString(newName)
	conv.UpdatedAt = now
	return conv, nil
}

// UpdateMemberLastReadAt moves the member's watermark to at. The watermark
// never moves backwards; an older at is accepted and ignored.
func (s *Store) UpdateMemberLastReadAt(ctx context.Context, conversationID, userID string, at time.Time) error {
	at = normalizeTime(at)
	query := s.rebind(`UPDATE conversation_members SET last_read_at = ?
		WHERE conversation_id = ? AND user_id = ? AND (last_read_at IS NULL OR last_read_at < ?)`)
	res, err := s.db.ExecContext(ctx, query, at, conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to update read watermark: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	ok, err := s.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s in conversation %s: %w", userID, conversationID, backend.ErrNotMember)
	}
	return nil
}

func (s *Store) insertConversation(ctx context.Context, tx *sql.Tx, id string, name *string, isGroup bool, createdBy string, now time.Time) error {
	var n sql.NullString
	if name != nil {
		n = sql.NullString{String: *name, Valid: true}
	}
	query := s.rebind(`INSERT INTO conversations (id, name, is_group, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query, id, n, isGroup, createdBy, now, now); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Store) insertMembers(ctx context.Context, tx *sql.Tx, conversationID string, userIDs []string, now time.Time) error {
	query := s.rebind(`INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`)
	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx, query, conversationID, uid, now); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
	}
	return nil
}

func (s *Store) touchConversation(ctx context.Context, q querier, conversationID string, now time.Time) error {
	query := s.rebind("UPDATE conversations SET updated_at = ? WHERE id = ?")
	if _, err := q.ExecContext(ctx, query, now, conversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}
