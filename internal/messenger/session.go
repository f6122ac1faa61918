// Package messenger keeps a user's conversation list and open conversation
// consistent with the backend of record while local sends, remote inserts,
// and remote read receipts arrive in any order.
package messenger

import (
	"github.com/capitalize-ai/messaging/internal/model"
)

// Session identifies the signed-in user. It is passed explicitly to every
// component instead of being read from global state.
type Session struct {
	User model.User
}

// UserID returns the signed-in user's id.
func (s Session) UserID() string {
	return s.User.ID
}
