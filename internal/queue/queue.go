// Package queue retries change-feed publishes through an asynq task queue
// backed by Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
	"github.com/capitalize-ai/messaging/pkg/metrics"
)

const (
	// TypeRepublish is the task type carrying a change event to publish again.
	TypeRepublish = "feed:republish"

	// QueueName is the asynq queue republish tasks are placed on.
	QueueName = "feed"

	maxRetry  = 10
	retention = time.Hour
)

// NewRepublishTask encodes a change event as a republish task.
func NewRepublishTask(ev model.ChangeEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	return asynq.NewTask(TypeRepublish, payload), nil
}

// Client enqueues republish tasks.
type Client struct {
	client *asynq.Client
}

// NewClient creates a client from a redis:// URL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

// EnqueueRepublish schedules another publish attempt for ev.
func (c *Client) EnqueueRepublish(ctx context.Context, ev model.ChangeEvent) error {
	task, err := NewRepublishTask(ev)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(retention),
		asynq.TaskID("republish:"+ev.ID),
	)
	if err != nil {
		metrics.FeedRepublishEnqueued.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to enqueue republish: %w", err)
	}
	metrics.FeedRepublishEnqueued.WithLabelValues("ok").Inc()
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Server runs the republish worker.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *logger.Logger
}

// NewServer creates a worker consuming the feed queue.
// queues uses the "name=weight,..." form; empty means the feed queue only.
func NewServer(redisURL string, concurrency int, queues string, log *logger.Logger) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	weights := parseQueueWeights(queues)
	if len(weights) == 0 {
		weights = map[string]int{QueueName: 1}
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      weights,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
	return &Server{server: srv, mux: asynq.NewServeMux(), logger: log}, nil
}

// HandleRepublish registers the republish handler publishing into feed.
func (s *Server) HandleRepublish(feed backend.Feed) {
	s.mux.HandleFunc(TypeRepublish, RepublishHandler(feed))
}

// Run starts processing and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

// RepublishHandler decodes a republish task and publishes its event.
// Malformed payloads are not retried.
func RepublishHandler(feed backend.Feed) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var ev model.ChangeEvent
		if err := json.Unmarshal(t.Payload(), &ev); err != nil {
			return fmt.Errorf("failed to decode change event: %v: %w", err, asynq.SkipRetry)
		}
		err := feed.Publish(ctx, ev)
		metrics.RecordPublish(string(ev.Table), string(ev.Op), err)
		if err != nil {
			return fmt.Errorf("failed to republish event %s: %w", ev.ID, err)
		}
		return nil
	}
}

func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		w := 1
		if len(kv) == 2 {
			if i, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}
