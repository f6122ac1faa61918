// Package service provides business logic for the messaging backend.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/store"
	"github.com/capitalize-ai/messaging/pkg/logger"
	"github.com/capitalize-ai/messaging/pkg/metrics"
	"github.com/capitalize-ai/messaging/pkg/tracing"
)

// Republisher schedules another attempt for an event the feed refused.
type Republisher interface {
	EnqueueRepublish(ctx context.Context, ev model.ChangeEvent) error
}

// Service is the backend of record: it writes through the store and
// announces every committed change on the feed.
type Service struct {
	store     *store.Store
	feed      backend.Feed
	republish Republisher
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

var _ backend.Backend = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithRepublisher retries failed publishes through r.
func WithRepublisher(r Republisher) Option {
	return func(s *Service) { s.republish = r }
}

// WithClock replaces the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a new service.
func New(st *store.Store, feed backend.Feed, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Global()
	}
	s := &Service{
		store:  st,
		feed:   feed,
		logger: log,
		tracer: tracing.Tracer("github.com/capitalize-ai/messaging/internal/service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() *store.Store {
	return s.store
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// publish announces ev to the conversation's current members. The write it
// describes is already committed, so failures are retried or logged, never
// returned.
func (s *Service) publish(ctx context.Context, ev model.ChangeEvent) {
	if ev.Audience == nil {
		ids, err := s.store.MemberIDs(ctx, ev.ConversationID)
		if err != nil {
			s.logger.Error("failed to resolve event audience",
				zap.String("conversation_id", ev.ConversationID),
				zap.Error(err),
			)
			return
		}
		ev.Audience = ids
	}
	if len(ev.Audience) == 0 {
		return
	}
	ev.ID = uuid.Must(uuid.NewV7()).String()
	ev.At = s.now().UTC()

	err := s.feed.Publish(ctx, ev)
	metrics.RecordPublish(string(ev.Table), string(ev.Op), err)
	if err == nil {
		return
	}

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("table", string(ev.Table)),
		zap.String("op", string(ev.Op)),
		zap.String("conversation_id", ev.ConversationID),
		zap.Error(err),
	}
	if s.republish == nil {
		s.logger.Error("failed to publish change event", fields...)
		return
	}
	if qerr := s.republish.EnqueueRepublish(context.WithoutCancel(ctx), ev); qerr != nil {
		s.logger.Error("failed to publish change event", append(fields, zap.NamedError("enqueue_error", qerr))...)
		return
	}
	s.logger.Warn("change event queued for republish", fields...)
}

// Subscribe opens a change feed subscription.
func (s *Service) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	return s.feed.Subscribe(ctx, filter)
}
