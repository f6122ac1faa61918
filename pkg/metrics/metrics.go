// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messaging"

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// FeedConnectionsActive tracks open websocket feed connections.
	FeedConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "connections_active",
		Help:      "Open websocket feed connections",
	})

	// FeedSubscribersActive tracks change feed subscriptions on either backend.
	FeedSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "subscribers_active",
		Help:      "Active change feed subscriptions",
	})

	FeedEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_published_total",
			Help:      "Change events published, by table, op and outcome",
		},
		[]string{"table", "op", "status"},
	)

	// FeedRepublishEnqueued counts events handed to the retry queue after a
	// failed publish.
	FeedRepublishEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "republish_enqueued_total",
			Help:      "Change events enqueued for republish",
		},
		[]string{"status"},
	)

	// NATSStreamMessages is the message count of the JetStream feed stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "stream_messages",
			Help:      "Messages retained in the feed stream",
		},
		[]string{"stream"},
	)

	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_created_total",
			Help:      "Conversations created, by kind (direct or group)",
		},
		[]string{"kind"},
	)

	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages inserted",
	})

	// ReadReceiptsTotal counts messages whose read_at was stamped.
	ReadReceiptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_receipts_total",
		Help:      "Messages marked read by a recipient",
	})
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPublish records the outcome of publishing a change event.
func RecordPublish(table, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FeedEventsPublished.WithLabelValues(table, op, status).Inc()
}

// IncrementFeedConnections increments the active feed connection count.
func IncrementFeedConnections() {
	FeedConnectionsActive.Inc()
}

// DecrementFeedConnections decrements the active feed connection count.
func DecrementFeedConnections() {
	FeedConnectionsActive.Dec()
}
