// Package model defines data structures for the messaging core.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status represents a user's presence status.
type Status string

const (
	StatusAvailable Status = "Available"
	StatusAway      Status = "Away"
	StatusBusy      Status = "Busy"
)

// ParseStatus validates a presence status, matching case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusAvailable, StatusAway, StatusBusy} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid presence status %q", s)
}

// User is a member profile. Accounts are created by signup elsewhere; this
// module only stores the profile fields it displays.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Department  string    `json:"department,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpsertUserRequest is the request to create or update the caller's profile.
type UpsertUserRequest struct {
	DisplayName string `json:"display_name"`
	Department  string `json:"department,omitempty"`
}

// PresenceRequest is the request to change the caller's presence status.
type PresenceRequest struct {
	Status string `json:"status"`
}
