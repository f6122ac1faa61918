package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

// Synchronizer applies the backend's change feed to a Directory and a Stream.
// Events are handled one at a time on a single goroutine.
type Synchronizer struct {
	backend    backend.Backend
	self       string
	dir        *Directory
	stream     *Stream
	logger     *logger.Logger
	newBackOff func() backoff.BackOff
	onViewed   func(model.Message)
	onChange   func()

	mu      sync.Mutex
	live    bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSynchronizer creates a stopped synchronizer. onViewed is called from
// the event loop for every message from another user that lands in the open
// conversation; it must not block.
func NewSynchronizer(b backend.Backend, session Session, dir *Directory, stream *Stream, log *logger.Logger, newBackOff func() backoff.BackOff, onViewed func(model.Message), onChange func()) *Synchronizer {
	if log == nil {
		log = logger.Global()
	}
	if newBackOff == nil {
		newBackOff = defaultResubscribeBackOff
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Synchronizer{
		backend:    b,
		self:       session.UserID(),
		dir:        dir,
		stream:     stream,
		logger:     log,
		newBackOff: newBackOff,
		onViewed:   onViewed,
		onChange:   onChange,
	}
}

func defaultResubscribeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start subscribes to the feed and starts the event loop. If the first
// subscribe fails the loop keeps retrying in the background and Live stays
// false until it succeeds.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("synchronizer already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	sub, err := s.backend.Subscribe(ctx, s.filter())
	if err != nil {
		s.logger.Warn("failed to subscribe to change feed", zap.Error(err))
		sub = nil
	} else {
		s.setLive(true)
	}

	go s.run(ctx, sub, sub == nil)
	return nil
}

// Stop ends the event loop and closes the subscription. It is safe to call
// more than once.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.setLive(false)
}

// Live reports whether the feed subscription is currently open.
func (s *Synchronizer) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Synchronizer) setLive(live bool) {
	s.mu.Lock()
	changed := s.live != live
	s.live = live
	s.mu.Unlock()
	if changed {
		s.onChange()
	}
}

func (s *Synchronizer) filter() backend.Filter {
	return backend.Filter{
		UserID: s.self,
		Tables: []model.Table{model.TableMessages, model.TableConversations, model.TableConversationMembers},
	}
}

func (s *Synchronizer) run(ctx context.Context, sub backend.Subscription, catchUp bool) {
	defer close(s.done)

	for {
		if sub == nil {
			sub = s.resubscribe(ctx)
			if sub == nil {
				return
			}
			s.setLive(true)
			catchUp = true
		}
		if catchUp {
			s.catchUp(ctx)
			catchUp = false
		}

		select {
		case <-ctx.Done():
			sub.Close()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.logger.Info("change feed closed, resubscribing")
				sub.Close()
				sub = nil
				s.setLive(false)
				continue
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Synchronizer) resubscribe(ctx context.Context) backend.Subscription {
	for {
		b := backoff.WithContext(s.newBackOff(), ctx)
		sub, err := backoff.RetryNotifyWithData(func() (backend.Subscription, error) {
			return s.backend.Subscribe(ctx, s.filter())
		}, b, func(err error, wait time.Duration) {
			s.logger.Warn("failed to resubscribe to change feed",
				zap.Error(err),
				zap.Duration("retry_in", wait),
			)
		})
		if err == nil {
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// catchUp reloads state that may have changed while no subscription was open.
func (s *Synchronizer) catchUp(ctx context.Context) {
	if err := s.dir.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to refresh conversations after reconnect", zap.Error(err))
	}
	if err := s.stream.Resync(ctx); err != nil && !errors.Is(err, ErrStaleView) && ctx.Err() == nil {
		s.logger.Warn("failed to resync open conversation", zap.Error(err))
	}
}

func (s *Synchronizer) handle(ctx context.Context, ev model.ChangeEvent) {
	switch ev.Table {
	case model.TableMessages:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		switch ev.Op {
		case model.OpInsert:
			if s.stream.ApplyInsert(msg) {
				s.dir.ApplyMessage(msg, true)
				if msg.SenderID != s.self && s.onViewed != nil {
					s.onViewed(msg)
				}
				return
			}
			if !s.dir.ApplyMessage(msg, false) {
				s.refresh(ctx)
			}
		case model.OpUpdate:
			s.stream.ApplyUpdate(msg)
			s.dir.ApplyUpdate(msg)
		}
	case model.TableConversations, model.TableConversationMembers:
		s.refresh(ctx)
	}
}

func (s *Synchronizer) refresh(ctx context.Context) {
	if err := s.dir.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to refresh conversations", zap.Error(err))
	}
}
