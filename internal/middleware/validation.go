package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxMessageBytes = 16 * 1024
	maxNameRunes    = 128
	maxUserIDLength = 128
	maxBatchSize    = 500
	maxClientIDLen  = 64
)

// ValidateMessageBody validates the body of a message to be sent.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("body cannot be empty")
	}
	if len(body) > maxMessageBytes {
		return errors.New("body exceeds maximum length")
	}
	if !utf8.ValidString(body) {
		return errors.New("body must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a conversation or message id.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid id format")
	}
	return nil
}

// ValidateIDs validates a batch of conversation or message ids.
func ValidateIDs(ids []string) error {
	if len(ids) > maxBatchSize {
		return errors.New("too many ids")
	}
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUserID validates a user id. User ids come from the identity
// provider and are opaque.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > maxUserIDLength {
		return errors.New("user ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("user ID must be valid UTF-8")
	}
	return nil
}

// ValidateClientID validates the optional client-generated id of a message.
func ValidateClientID(id string) error {
	if len(id) > maxClientIDLen {
		return errors.New("client ID exceeds maximum length")
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return errors.New("client ID must be printable ASCII")
		}
	}
	return nil
}

// ValidateName validates a conversation or display name.
func ValidateName(name string) error {
	if utf8.RuneCountInString(name) > maxNameRunes {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}
