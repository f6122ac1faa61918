package model

import (
	"time"
)

// Table names a source of change events.
type Table string

const (
	TableMessages            Table = "messages"
	TableConversations       Table = "conversations"
	TableConversationMembers Table = "conversation_members"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// ChangeEvent is a row-level change notification pushed to subscribers.
// Audience lists the user ids the event is delivered to.
type ChangeEvent struct {
	ID             string               `json:"id"`
	Table          Table                `json:"table"`
	Op             Op                   `json:"op"`
	ConversationID string               `json:"conversation_id"`
	Audience       []string             `json:"audience,omitempty"`
	Message        *Message             `json:"message,omitempty"`
	Conversation   *Conversation        `json:"conversation,omitempty"`
	Members        []ConversationMember `json:"members,omitempty"`
	At             time.Time            `json:"at"`
}

// Delivers reports whether the event targets userID.
func (e *ChangeEvent) Delivers(userID string) bool {
	for _, id := range e.Audience {
		if id == userID {
			return true
		}
	}
	return false
}
