// Package backend defines the data-access contract the messaging core runs
// against, along with the change feed it subscribes to.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/messaging/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotMember is returned when a user is not a member of the conversation.
	ErrNotMember = errors.New("not a conversation member")

	// ErrInvalidArgument is returned for requests the backend refuses to apply.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Backend is the backend of record for conversations, memberships, and messages.
type Backend interface {
	// ListConversationsForUser returns the user's conversations and the user's
	// own membership rows.
	ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, []model.ConversationMember, error)

	// ListMembers returns every member, with profile fields, of the given conversations.
	ListMembers(ctx context.Context, conversationIDs []string) ([]model.MemberProfile, error)

	// LatestMessages returns the most recent message of each given conversation
	// that has at least one message.
	LatestMessages(ctx context.Context, conversationIDs []string) ([]model.Message, error)

	// CountUnread returns, per conversation, the number of messages from
	// others created after the user's watermark.
	CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error)

	// ListMessages returns the full history of a conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	// InsertMessage stores a message and returns it with its authoritative id
	// and timestamp.
	InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error)

	// UpdateMessagesReadAt stamps read receipts on the given messages on behalf
	// of readerID and returns the rows that changed. Messages already read or
	// sent by the reader are left untouched.
	UpdateMessagesReadAt(ctx context.Context, readerID string, messageIDs []string, at time.Time) ([]model.Message, error)

	// UpdateMemberLastReadAt moves the member's watermark forward. at is the
	// caller's clock; a backend whose messages carry its own timestamps stamps
	// the watermark with its own clock instead.
	UpdateMemberLastReadAt(ctx context.Context, conversationID, userID string, at time.Time) error

	// StartDirectConversation atomically gets or creates the direct
	// conversation between two users.
	StartDirectConversation(ctx context.Context, userID, recipientID string) (string, error)

	// CreateGroupConversation creates a group and its memberships in one
	// transaction. The creator is always a member.
	CreateGroupConversation(ctx context.Context, creatorID, name string, memberIDs []string) (*model.Conversation, error)

	// AddMembers adds users to a conversation. Existing members are ignored.
	AddMembers(ctx context.Context, conversationID string, userIDs []string) error

	// Subscribe opens a push feed of change events.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Feed is a change-event broker.
type Feed interface {
	// Publish delivers the event to every user in its audience.
	Publish(ctx context.Context, ev model.ChangeEvent) error

	// Subscribe opens a subscription for the filter's user.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Subscription is an open change feed. The events channel is closed when the
// subscription ends, whether by Close or by the transport dropping.
type Subscription interface {
	Events() <-chan model.ChangeEvent
	Close() error
}

// Filter scopes a subscription to one user and, optionally, a set of tables.
type Filter struct {
	UserID string
	Tables []model.Table
}

// Match reports whether the event passes the filter.
func (f Filter) Match(ev *model.ChangeEvent) bool {
	if f.UserID != "" && !ev.Delivers(f.UserID) {
		return false
	}
	if len(f.Tables) == 0 {
		return true
	}
	for _, t := range f.Tables {
		if t == ev.Table {
			return true
		}
	}
	return false
}
