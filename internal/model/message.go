package model

import (
	"sort"
	"time"
)

// Message represents a conversation message. Messages are immutable except
// for ReadAt, which moves from nil to a timestamp once and never back.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	ClientID       string     `json:"client_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// IsRead reports whether a recipient has seen the message.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Before orders messages by creation time, then id.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// NewMessage is the input to a message insert.
type NewMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ClientID       string `json:"client_id,omitempty"`
}

// SortMessages orders messages by creation time ascending, ties by id.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Before(&msgs[j])
	})
}

// UnreadCount counts messages from others created after the watermark.
// A nil watermark means the member has never read the conversation.
func UnreadCount(msgs []Message, userID string, lastReadAt *time.Time) int {
	n := 0
	for i := range msgs {
		if msgs[i].SenderID == userID {
			continue
		}
		if lastReadAt == nil || msgs[i].CreatedAt.After(*lastReadAt) {
			n++
		}
	}
	return n
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ReadReceiptsRequest stamps read receipts on a batch of messages.
type ReadReceiptsRequest struct {
	MessageIDs []string  `json:"message_ids"`
	At         time.Time `json:"at,omitempty"`
}
