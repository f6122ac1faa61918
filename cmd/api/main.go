// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/config"
	"github.com/capitalize-ai/messaging/internal/feed"
	"github.com/capitalize-ai/messaging/internal/handler"
	"github.com/capitalize-ai/messaging/internal/middleware"
	natsclient "github.com/capitalize-ai/messaging/internal/nats"
	"github.com/capitalize-ai/messaging/internal/presence"
	"github.com/capitalize-ai/messaging/internal/queue"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/internal/store"
	"github.com/capitalize-ai/messaging/pkg/logger"
	"github.com/capitalize-ai/messaging/pkg/tracing"
)

func main() {
	devToken := flag.String("dev-token", "", "print a signed token for the given user id and exit")
	devName := flag.String("dev-name", "", "display name claim for -dev-token")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if *devToken != "" {
		tok, err := middleware.SignToken(cfg.JWTSecret, *devToken, *devName, 30*24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Open the store
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	checks := map[string]handler.Pinger{"database": st}

	// Change feed
	var changeFeed backend.Feed
	var hub *feed.Hub
	switch cfg.FeedBackend {
	case config.FeedNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			Name:     "messaging-api",
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		natsFeed := natsclient.NewFeed(natsClient, log)
		if err := natsFeed.EnsureStream(ctx); err != nil {
			return err
		}
		changeFeed = natsFeed
		checks["nats"] = natsClient
	default:
		hub = feed.NewHub(cfg.FeedBuffer, log.Named("feed"))
		changeFeed = hub
	}

	// Presence cache
	var cache presence.Cache
	if cfg.RedisURL != "" {
		redisCache, err := presence.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("presence cache disabled", zap.Error(err))
		} else {
			defer redisCache.Close()
			cache = redisCache
			checks["redis"] = redisCache
		}
	}
	tracker := presence.NewTracker(st, cache, cfg.PresenceTTL, log.Named("presence"))

	// Republish queue
	var opts []service.Option
	if cfg.QueueEnabled {
		client, err := queue.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, service.WithRepublisher(client))

		worker, err := queue.NewServer(cfg.RedisURL, cfg.QueueConcurrency, cfg.QueueWeights, log.Named("queue"))
		if err != nil {
			return err
		}
		worker.HandleRepublish(changeFeed)
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error("queue worker stopped", zap.Error(err))
			}
		}()
	}

	svc := service.New(st, changeFeed, log.Named("service"), opts...)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(checks)
	api := &handler.API{
		Conversations: handler.NewConversationHandler(svc, log),
		Messages:      handler.NewMessageHandler(svc, log),
		Users:         handler.NewUserHandler(svc, tracker, log),
		Feed:          handler.NewFeedHandler(svc, cfg.AllowedOrigins, cfg.FeedPing, log),
	}

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)
	})

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		api.Mount(r)
	})

	// Write timeouts do not apply to hijacked feed connections.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort), zap.String("feed", cfg.FeedBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Feed connections are hijacked, so Shutdown does not wait for them.
	if hub != nil {
		hub.CloseAll()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
