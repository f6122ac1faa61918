package nats

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/capitalize-ai/messaging/pkg/logger"
)

func TestCreateTLSConfig(t *testing.T) {
	if _, err := createTLSConfig("", "client.pem", ""); err == nil {
		t.Error("expected an error for a certificate without a key")
	}
	if _, err := createTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "", ""); err == nil {
		t.Error("expected an error for a missing CA file")
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := createTLSConfig(bad, "", ""); err == nil {
		t.Error("expected an error for an unparsable CA file")
	}
}

func TestOptionsRejectBadTLS(t *testing.T) {
	cfg := Config{URL: "nats://localhost:4222", KeyFile: "client.key"}
	if _, err := cfg.options(context.Background(), logger.NewNop()); err == nil {
		t.Error("expected options() to fail for a key without a certificate")
	}

	cfg = Config{URL: "nats://localhost:4222", Token: "s3cret"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	opts, err := cfg.options(ctx, logger.NewNop())
	if err != nil {
		t.Fatalf("options() error = %v", err)
	}
	if len(opts) == 0 {
		t.Error("options() returned nothing")
	}
}

func TestPingWithoutConnection(t *testing.T) {
	c := &Client{logger: logger.NewNop()}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Ping() error = %v, want ErrDisconnected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true without a connection")
	}
	c.Close()
}

func TestConnectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Connect(ctx, Config{URL: "nats://127.0.0.1:1"}, logger.NewNop()); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect() error = %v, want context.Canceled", err)
	}
}
