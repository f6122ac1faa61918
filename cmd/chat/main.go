// Package main is a terminal chat client for the messaging API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/apiclient"
	"github.com/capitalize-ai/messaging/internal/config"
	"github.com/capitalize-ai/messaging/internal/messenger"
	"github.com/capitalize-ai/messaging/internal/middleware"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	log, err := logger.NewFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := apiclient.New(cfg.APIURL, cfg.Token,
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		apiclient.WithLogger(log.Named("api")),
	)

	self, err := signIn(ctx, client, cfg.Token)
	if err != nil {
		return err
	}
	log.Info("signed in", zap.String("user_id", self.ID))

	m := messenger.New(client, messenger.Session{User: *self}, messenger.WithLogger(log.Named("messenger")))
	if err := m.Start(ctx); err != nil {
		log.Warn("initial conversation load failed", zap.Error(err))
	}
	defer m.Close()

	_, err = tea.NewProgram(newUI(ctx, m, client), tea.WithAltScreen()).Run()
	return err
}

// signIn makes sure the token's user has a profile and returns it. The token
// is verified by the server; the client only reads its claims.
func signIn(ctx context.Context, client *apiclient.Client, token string) (*model.User, error) {
	claims := &middleware.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	u, err := client.GetUser(ctx, claims.Subject)
	if err == nil {
		return u, nil
	}
	if apiclient.IsUnauthorized(err) {
		return nil, errors.New("the server rejected CHAT_TOKEN")
	}
	if claims.Name == "" {
		return nil, fmt.Errorf("no profile for %s and the token carries no name: %w", claims.Subject, err)
	}
	return client.UpsertProfile(ctx, claims.Name, claims.Department)
}
