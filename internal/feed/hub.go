// Package feed provides an in-process change-event broker.
package feed

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
	"github.com/capitalize-ai/messaging/pkg/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// ErrClosed is returned when subscribing to a closed hub.
var ErrClosed = errors.New("feed closed")

// Hub fans change events out to subscribers in the same process. A
// subscriber that falls a full buffer behind is disconnected so that it
// resubscribes and catches up by refetching.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool
	logger *logger.Logger
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		subs:   make(map[*subscription]struct{}),
		buffer: buffer,
		logger: log,
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ctx context.Context, ev model.ChangeEvent) error {
	h.mu.RLock()
	var slow []*subscription
	for sub := range h.subs {
		if !sub.filter.Match(&ev) {
			continue
		}
		if !sub.offer(ev) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow feed subscriber",
			zap.String("user_id", sub.filter.UserID),
			zap.Int("buffer", h.buffer),
		)
		sub.Close()
	}
	return nil
}

// Subscribe registers a subscriber. The subscription ends when ctx is
// cancelled, Close is called, or the hub shuts down.
func (h *Hub) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	sub := &subscription{
		hub:    h,
		filter: filter,
		events: make(chan model.ChangeEvent, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	metrics.FeedSubscribersActive.Inc()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll ends every subscription and refuses new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		metrics.FeedSubscribersActive.Dec()
	}
	h.mu.Unlock()
}

type subscription struct {
	hub    *Hub
	filter backend.Filter
	events chan model.ChangeEvent
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

// offer enqueues ev, reporting false when the buffer is full.
func (s *subscription) offer(ev model.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	close(s.done)
	s.mu.Unlock()

	s.hub.remove(s)
	return nil
}
