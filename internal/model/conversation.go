package model

import (
	"strings"
	"time"
	"unicode"
)

// Conversation represents a direct or group conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Name      *string   `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationMember is a membership row. LastReadAt is the read watermark:
// messages from others created after it are unread.
type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// MemberProfile is a membership row joined with the member's profile.
type MemberProfile struct {
	ConversationMember
	DisplayName string `json:"display_name"`
	Department  string `json:"department,omitempty"`
	Status      Status `json:"status"`
}

// ConversationSummary is one row of a user's conversation directory.
type ConversationSummary struct {
	Conversation
	Members     []MemberProfile `json:"members"`
	DisplayName string          `json:"display_name"`
	Initials    string          `json:"initials"`
	LastMessage *Message        `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	LastReadAt  *time.Time      `json:"last_read_at,omitempty"`
}

// LastActivity is the time of the last message, falling back to creation time.
func (s *ConversationSummary) LastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

// DirectPairKey orders the two participants of a direct conversation so that
// (a, b) and (b, a) map to the same key.
func DirectPairKey(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Initials returns the upper-cased first letters of the first two words of name.
func Initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				out = append(out, unicode.ToUpper(r))
				break
			}
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

// CreateGroupRequest is the request to create a group conversation.
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// StartDirectRequest is the request to get or create a direct conversation.
type StartDirectRequest struct {
	RecipientID string `json:"recipient_id"`
}

// StartDirectResponse is the response for a direct conversation request.
type StartDirectResponse struct {
	ConversationID string `json:"conversation_id"`
}

// RenameConversationRequest is the request to rename a group conversation.
type RenameConversationRequest struct {
	Name string `json:"name"`
}

// AddMembersRequest is the request to add members to a conversation.
type AddMembersRequest struct {
	UserIDs []string `json:"user_ids"`
}

// MarkReadRequest moves the caller's watermark to the server's now. At is
// the client's clock reading and is only used to report skew.
type MarkReadRequest struct {
	At time.Time `json:"at,omitempty"`
}

// ListConversationsResponse is the response for listing the caller's conversations.
type ListConversationsResponse struct {
	Conversations []Conversation       `json:"conversations"`
	Memberships   []ConversationMember `json:"memberships"`
}

// ListMembersResponse is the response for listing conversation rosters.
type ListMembersResponse struct {
	Members []MemberProfile `json:"members"`
}

// UnreadCountsResponse maps conversation id to unread count.
type UnreadCountsResponse struct {
	Unread map[string]int `json:"unread"`
}
