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

const messageColumns = "msg.id, msg.conversation_id, msg.sender_id, msg.body, msg.client_id, msg.created_at, msg.read_at"

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var readAt sql.NullTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.ClientID, &m.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.ReadAt = nullTime(readAt)
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}

// ListMessages returns a conversation's messages ordered by creation time,
// ties broken by id.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages msg WHERE msg.conversation_id = ? ORDER BY msg.created_at, msg.id")
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return collectMessages(rows)
}

// LatestMessages returns the newest message of each conversation that has one.
func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) ([]model.Message, error) {
	conversationIDs = uniqueStrings(conversationIDs)
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	query := s.rebind(fmt.Sprintf(`SELECT %s FROM messages msg
		WHERE msg.conversation_id IN (%s)
		AND NOT EXISTS (
			SELECT 1 FROM messages newer
			WHERE newer.conversation_id = msg.conversation_id
			AND (newer.created_at > msg.created_at OR (newer.created_at = msg.created_at AND newer.id > msg.id))
		)
		ORDER BY msg.conversation_id`, messageColumns, placeholders(len(conversationIDs))))

	rows, err := s.db.QueryContext(ctx, query, stringArgs(conversationIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest messages: %w", err)
	}
	return collectMessages(rows)
}

// CountUnread counts, per conversation, messages from others created after
// the user's watermark. Every requested conversation has an entry.
func (s *Store) CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	conversationIDs = uniqueStrings(conversationIDs)
	counts := make(map[string]int, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}
	for _, id := range conversationIDs {
		counts[id] = 0
	}

	query := s.rebind(fmt.Sprintf(`SELECT msg.conversation_id, COUNT(*)
		FROM messages msg
		JOIN conversation_members mem ON mem.conversation_id = msg.conversation_id AND mem.user_id = ?
		WHERE msg.conversation_id IN (%s)
		AND msg.sender_id <> ?
		AND (mem.last_read_at IS NULL OR msg.created_at > mem.last_read_at)
		GROUP BY msg.conversation_id`, placeholders(len(conversationIDs))))

	args := append([]any{userID}, stringArgs(conversationIDs)...)
	args = append(args, userID)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	return counts, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages msg WHERE msg.id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// InsertMessage stores a message from a conversation member. A retried insert
// carrying the same client id returns the message stored by the first attempt.
func (s *Store) InsertMessage(ctx context.Context, nm model.NewMessage) (msg *model.Message, err error) {
	if strings.TrimSpace(nm.Body) == "" {
		return nil, fmt.Errorf("message body is empty: %w", backend.ErrInvalidArgument)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.isMember(ctx, tx, nm.ConversationID, nm.SenderID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s in conversation %s: %w", nm.SenderID, nm.ConversationID, backend.ErrNotMember)
		}

		if nm.ClientID != "" {
			query := s.rebind("SELECT " + messageColumns + ` FROM messages msg
				WHERE msg.conversation_id = ? AND msg.sender_id = ? AND msg.client_id = ?`)
			existing, err := scanMessage(tx.QueryRowContext(ctx, query, nm.ConversationID, nm.SenderID, nm.ClientID))
			if err == nil {
				msg = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to look up client id: %w", err)
			}
		}

		now := s.timestamp()
		msg = &model.Message{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: nm.ConversationID,
			SenderID:       nm.SenderID,
			Body:           nm.Body,
			ClientID:       nm.ClientID,
			CreatedAt:      now,
		}
		query := s.rebind(`INSERT INTO messages (id, conversation_id, sender_id, body, client_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.ClientID, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return s.touchConversation(ctx, tx, nm.ConversationID, now)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessagesReadAt stamps read_at on messages the reader received and has
// not read yet, in conversations the reader belongs to. It returns the rows
// that changed. read_at is never overwritten once set.
func (s *Store) UpdateMessagesReadAt(ctx context.Context, readerID string, messageIDs []string, at time.Time) ([]model.Message, error) {
	messageIDs = uniqueStrings(messageIDs)
	if len(messageIDs) == 0 {
		return nil, nil
	}
	at = normalizeTime(at)

	var stamped []model.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		eligible := s.rebind(fmt.Sprintf(`SELECT msg.id FROM messages msg
			WHERE msg.id IN (%s)
			AND msg.read_at IS NULL
			AND msg.sender_id <> ?
			AND EXISTS (
				SELECT 1 FROM conversation_members mem
				WHERE mem.conversation_id = msg.conversation_id AND mem.user_id = ?
			)`, placeholders(len(messageIDs))))
		args := append(stringArgs(messageIDs), readerID, readerID)

		rows, err := tx.QueryContext(ctx, eligible, args...)
		if err != nil {
			return fmt.Errorf("failed to select unread messages: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan message id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to select unread messages: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		update := s.rebind(fmt.Sprintf("UPDATE messages SET read_at = ? WHERE read_at IS NULL AND id IN (%s)", placeholders(len(ids))))
		if _, err := tx.ExecContext(ctx, update, append([]any{at}, stringArgs(ids)...)...); err != nil {
			return fmt.Errorf("failed to stamp read receipts: %w", err)
		}

		reread := s.rebind(fmt.Sprintf("SELECT %s FROM messages msg WHERE msg.id IN (%s) ORDER BY msg.created_at, msg.id", messageColumns, placeholders(len(ids))))
		rows, err = tx.QueryContext(ctx, reread, stringArgs(ids)...)
		if err != nil {
			return fmt.Errorf("failed to reload messages: %w", err)
		}
		stamped, err = collectMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}
