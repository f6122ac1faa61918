package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
)

const feedBuffer = 64

// Subscribe dials the change feed websocket. The events channel closes when
// the connection drops, ctx is cancelled, or Close is called.
func (c *Client) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	target, err := c.feedURL(filter)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("failed to open feed: %w", decodeError(resp))
		}
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}

	sub := &subscription{
		conn:    conn,
		events:  make(chan model.ChangeEvent, feedBuffer),
		done:    make(chan struct{}),
		timeout: c.feedTimeout,
	}
	go sub.read(c)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (c *Client) feedURL(filter backend.Filter) (string, error) {
	u, err := url.Parse(c.baseURL + apiPrefix + "/feed")
	if err != nil {
		return "", fmt.Errorf("failed to parse feed url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if len(filter.Tables) > 0 {
		tables := make([]string, len(filter.Tables))
		for i, t := range filter.Tables {
			tables[i] = string(t)
		}
		u.RawQuery = url.Values{"tables": {strings.Join(tables, ",")}}.Encode()
	}
	return u.String(), nil
}

type subscription struct {
	conn    *websocket.Conn
	events  chan model.ChangeEvent
	done    chan struct{}
	timeout time.Duration
	once    sync.Once
}

func (s *subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *subscription) read(c *Client) {
	defer close(s.events)
	defer s.Close()

	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		var ev model.ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
			default:
				c.logger.Warn("feed connection lost", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
