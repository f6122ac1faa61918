// Package apiclient implements backend.Backend against the messaging HTTP API,
// so the messenger core can run in a separate process from the server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

const (
	apiPrefix = "/api/v1"

	// idsPerRequest bounds how many ids go into one query string.
	idsPerRequest = 100
)

// Client talks to the messaging API on behalf of one token's user. The user
// ids passed to Backend methods are ignored: the server acts for the token's
// subject.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	dialer      *websocket.Dialer
	feedTimeout time.Duration
	logger      *logger.Logger
}

var _ backend.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithFeedTimeout sets how long the feed may stay silent, pings included,
// before it is treated as dropped.
func WithFeedTimeout(d time.Duration) Option {
	return func(c *Client) { c.feedTimeout = d }
}

// New creates a client for the API at baseURL, e.g. http://localhost:8080.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		token:       token,
		http:        &http.Client{Timeout: 15 * time.Second},
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		feedTimeout: 90 * time.Second,
		logger:      logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to the matching backend
// sentinel error where there is one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Unwrap maps the status to a backend sentinel error.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return backend.ErrNotFound
	case http.StatusForbidden:
		return backend.ErrNotMember
	case http.StatusBadRequest:
		return backend.ErrInvalidArgument
	}
	return nil
}

// ListConversationsForUser returns the caller's conversations and memberships.
func (c *Client) ListConversationsForUser(ctx context.Context, _ string) ([]model.Conversation, []model.ConversationMember, error) {
	var resp model.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return resp.Conversations, resp.Memberships, nil
}

// ListMembers returns the rosters of the given conversations.
func (c *Client) ListMembers(ctx context.Context, conversationIDs []string) ([]model.MemberProfile, error) {
	var out []model.MemberProfile
	err := batches(conversationIDs, func(ids []string) error {
		var resp model.ListMembersResponse
		if err := c.do(ctx, http.MethodGet, "/conversations/members?"+idsQuery(ids), nil, &resp); err != nil {
			return err
		}
		out = append(out, resp.Members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return out, nil
}

// LatestMessages returns the newest message of each given conversation.
func (c *Client) LatestMessages(ctx context.Context, conversationIDs []string) ([]model.Message, error) {
	var out []model.Message
	err := batches(conversationIDs, func(ids []string) error {
		var resp model.ListMessagesResponse
		if err := c.do(ctx, http.MethodGet, "/conversations/latest?"+idsQuery(ids), nil, &resp); err != nil {
			return err
		}
		out = append(out, resp.Messages...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load latest messages: %w", err)
	}
	return out, nil
}

// CountUnread returns the caller's unread counts for the given conversations.
func (c *Client) CountUnread(ctx context.Context, _ string, conversationIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(conversationIDs))
	err := batches(conversationIDs, func(ids []string) error {
		var resp model.UnreadCountsResponse
		if err := c.do(ctx, http.MethodGet, "/conversations/unread?"+idsQuery(ids), nil, &resp); err != nil {
			return err
		}
		for id, n := range resp.Unread {
			out[id] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return out, nil
}

// ListMessages returns a conversation's history, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var resp model.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return resp.Messages, nil
}

// InsertMessage sends a message as the caller.
func (c *Client) InsertMessage(ctx context.Context, nm model.NewMessage) (*model.Message, error) {
	req := model.SendMessageRequest{Body: nm.Body, ClientID: nm.ClientID}
	var msg model.Message
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(nm.ConversationID)+"/messages", req, &msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &msg, nil
}

// UpdateMessagesReadAt stamps read receipts as the caller.
func (c *Client) UpdateMessagesReadAt(ctx context.Context, _ string, messageIDs []string, at time.Time) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	req := model.ReadReceiptsRequest{MessageIDs: messageIDs, At: at}
	var resp model.ListMessagesResponse
	if err := c.do(ctx, http.MethodPost, "/messages/read", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return resp.Messages, nil
}

// UpdateMemberLastReadAt moves the caller's watermark in a conversation.
func (c *Client) UpdateMemberLastReadAt(ctx context.Context, conversationID, _ string, at time.Time) error {
	req := model.MarkReadRequest{At: at}
	if err := c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/read", req, nil); err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

// StartDirectConversation gets or creates the caller's direct conversation
// with recipientID.
func (c *Client) StartDirectConversation(ctx context.Context, _, recipientID string) (string, error) {
	var resp model.StartDirectResponse
	if err := c.do(ctx, http.MethodPost, "/conversations/direct", model.StartDirectRequest{RecipientID: recipientID}, &resp); err != nil {
		return "", fmt.Errorf("failed to start conversation: %w", err)
	}
	return resp.ConversationID, nil
}

// CreateGroupConversation creates a group owned by the caller.
func (c *Client) CreateGroupConversation(ctx context.Context, _, name string, memberIDs []string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", model.CreateGroupRequest{Name: name, MemberIDs: memberIDs}, &conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conv, nil
}

// AddMembers adds users to a group.
func (c *Client) AddMembers(ctx context.Context, conversationID string, userIDs []string) error {
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/members", model.AddMembersRequest{UserIDs: userIDs}, nil); err != nil {
		return fmt.Errorf("failed to add members: %w", err)
	}
	return nil
}

// UpsertProfile creates or updates the caller's profile. An empty display
// name keeps the name carried by the token.
func (c *Client) UpsertProfile(ctx context.Context, displayName, department string) (*model.User, error) {
	var u model.User
	req := model.UpsertUserRequest{DisplayName: displayName, Department: department}
	if err := c.do(ctx, http.MethodPut, "/users/me", req, &u); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return &u, nil
}

// SetPresence sets the caller's presence status.
func (c *Client) SetPresence(ctx context.Context, status model.Status) error {
	if err := c.do(ctx, http.MethodPut, "/users/me/presence", model.PresenceRequest{Status: string(status)}, nil); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// GetUser returns a user's profile and presence.
func (c *Client) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &u); err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func idsQuery(ids []string) string {
	return url.Values{"ids": {strings.Join(ids, ",")}}.Encode()
}

// batches calls fn over ids in chunks of idsPerRequest. No ids means no calls.
func batches(ids []string, fn func([]string) error) error {
	for len(ids) > 0 {
		n := len(ids)
		if n > idsPerRequest {
			n = idsPerRequest
		}
		if err := fn(ids[:n]); err != nil {
			return err
		}
		ids = ids[n:]
	}
	return nil
}

// IsUnauthorized reports whether err is a rejected token.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
