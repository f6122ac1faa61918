package messenger

import "errors"

var (
	// ErrEmptyMessage is returned for blank sends. No request is made.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrConversationNotOpen is returned when sending to a conversation that
	// is not the loaded one.
	ErrConversationNotOpen = errors.New("conversation is not open")

	// ErrStaleView is returned by a fetch whose result was discarded because
	// the view moved on while it was in flight.
	ErrStaleView = errors.New("view changed while loading")

	// ErrNoGroupMembers is returned when a group would contain only its creator.
	ErrNoGroupMembers = errors.New("group needs at least one other member")
)
