package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/middleware"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/pkg/logger"
	"github.com/capitalize-ai/messaging/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 512
)

// FeedHandler streams the caller's change events over a websocket.
type FeedHandler struct {
	service  *service.Service
	logger   *logger.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
}

// NewFeedHandler creates a feed handler. Browser origins must match one of
// allowedOrigins; a trailing "*" matches any suffix.
func NewFeedHandler(svc *service.Service, allowedOrigins []string, ping time.Duration, log *logger.Logger) *FeedHandler {
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &FeedHandler{
		service: svc,
		logger:  log,
		ping:    ping,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), allowedOrigins)
			},
		},
	}
}

// Stream handles GET /api/v1/feed. The optional tables query parameter
// narrows the subscription, e.g. ?tables=messages,conversations.
func (h *FeedHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	log := middleware.RequestLogger(r.Context(), h.logger)

	filter := backend.Filter{UserID: userID}
	for _, t := range strings.Split(r.URL.Query().Get("tables"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Tables = append(filter.Tables, model.Table(t))
		}
	}

	// The subscription outlives the request context once the connection is
	// hijacked, so it gets its own.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub, err := h.service.Subscribe(ctx, filter)
	if err != nil {
		log.Error("failed to subscribe", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.IncrementFeedConnections()
	defer metrics.DecrementFeedConnections()
	log.Info("feed connected")

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the broker; the client resubscribes.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed closed"),
					time.Now().Add(writeWait))
				log.Info("feed subscription ended")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&ev); err != nil {
				log.Debug("failed to write feed event", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("failed to ping feed client", zap.Error(err))
				return
			}
		case <-closed:
			log.Info("feed disconnected")
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *FeedHandler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	pongWait := h.ping * 2
	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
