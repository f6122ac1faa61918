package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
	"github.com/capitalize-ai/messaging/pkg/metrics"
)

const (
	// StreamName is the name of the change feed stream.
	StreamName = "MESSAGING_FEED"

	// SubjectPrefix is the prefix for all feed subjects.
	SubjectPrefix = "feed"

	subscriberBuffer = 256
)

// Feed publishes change events to JetStream, one message per audience member
// on feed.<user>.<table>.<op>, and subscribes through ordered consumers.
type Feed struct {
	client *Client
	logger *logger.Logger
}

var _ backend.Feed = (*Feed)(nil)

// NewFeed creates a JetStream-backed feed.
func NewFeed(client *Client, log *logger.Logger) *Feed {
	return &Feed{client: client, logger: log}
}

// EnsureStream ensures the feed stream exists with proper configuration.
func (f *Feed) EnsureStream(ctx context.Context) error {
	js := f.client.JetStream()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
		}
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
		Description: "Row-level change events per user",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject an event is published on for one user.
func Subject(userID string, table model.Table, op model.Op) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(userID), table, op)
}

// FilterSubjects returns the consumer filters for a subscription.
func FilterSubjects(filter backend.Filter) []string {
	user := token(filter.UserID)
	if len(filter.Tables) == 0 {
		return []string{fmt.Sprintf("%s.%s.>", SubjectPrefix, user)}
	}
	subjects := make([]string, 0, len(filter.Tables))
	for _, t := range filter.Tables {
		subjects = append(subjects, fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, user, t))
	}
	return subjects
}

// token makes a user id safe to use as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish writes one copy of ev for each audience member. Copies carry a
// message id so a republished event is deduplicated by the stream.
func (f *Feed) Publish(ctx context.Context, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	js := f.client.JetStream()
	var errs []error
	for _, userID := range ev.Audience {
		subject := Subject(userID, ev.Table, ev.Op)
		if _, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID+":"+userID)); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish to %s: %w", subject, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe starts an ordered consumer delivering events created from now on.
func (f *Feed) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("subscription needs a user: %w", backend.ErrInvalidArgument)
	}

	consumer, err := f.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: FilterSubjects(filter),
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	sub := &subscription{
		filter: filter,
		events: make(chan model.ChangeEvent, subscriberBuffer),
		done:   make(chan struct{}),
		logger: f.logger,
	}

	cc, err := consumer.Consume(sub.handle, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if f.client.IsConnected() {
			f.logger.Debug("feed consumer error", zap.String("user_id", filter.UserID), zap.Error(err))
			return
		}
		f.logger.Warn("feed consumer lost connection", zap.String("user_id", filter.UserID), zap.Error(err))
		go sub.Close()
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}
	metrics.FeedSubscribersActive.Inc()
	sub.mu.Lock()
	sub.consume = cc
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		cc.Stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

type subscription struct {
	filter  backend.Filter
	events  chan model.ChangeEvent
	done    chan struct{}
	consume jetstream.ConsumeContext
	logger  *logger.Logger

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

func (s *subscription) handle(msg jetstream.Msg) {
	var ev model.ChangeEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		s.logger.Warn("dropping malformed feed event", zap.String("subject", msg.Subject()), zap.Error(err))
		return
	}
	if !s.filter.Match(&ev) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.events <- ev:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.logger.Warn("dropping slow feed subscriber", zap.String("user_id", s.filter.UserID))
		go s.Close()
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
	cc := s.consume
	s.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	metrics.FeedSubscribersActive.Dec()
	return nil
}
