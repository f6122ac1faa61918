// Package config provides environment configuration for the API server
// and the terminal client.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Feed backends.
const (
	FeedLocal = "local"
	FeedNATS  = "nats"
)

// Config holds all configuration for the API server.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// Database settings
	DatabaseDriver string
	DatabaseURL    string

	// Change feed
	FeedBackend string
	FeedBuffer  int
	FeedPing    time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Redis settings, shared by presence and the republish queue
	RedisURL    string
	PresenceTTL time.Duration

	// Republish queue
	QueueEnabled     bool
	QueueConcurrency int
	QueueWeights     string

	// JWT settings
	JWTSecret string

	// CORS
	AllowedOrigins []string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables, after loading a
// .env file from the working directory if one exists.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:messaging.db?_foreign_keys=on"),

		// Feed
		FeedBackend: strings.ToLower(getEnv("FEED_BACKEND", FeedLocal)),
		FeedBuffer:  getIntEnv("FEED_BUFFER", 256),
		FeedPing:    getDurationEnv("FEED_PING_INTERVAL", 30*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Redis
		RedisURL:    getEnv("REDIS_URL", ""),
		PresenceTTL: getDurationEnv("PRESENCE_TTL", 5*time.Minute),

		// Queue
		QueueEnabled:     getBoolEnv("QUEUE_ENABLED", false),
		QueueConcurrency: getIntEnv("QUEUE_CONCURRENCY", 4),
		QueueWeights:     getEnv("QUEUE_WEIGHTS", "feed=1"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// CORS
		AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.FeedBackend {
	case FeedLocal, FeedNATS:
	default:
		return errors.New("FEED_BACKEND must be local or nats")
	}
	if c.QueueEnabled && c.RedisURL == "" {
		return errors.New("QUEUE_ENABLED requires REDIS_URL")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// ClientConfig holds configuration for the terminal client.
type ClientConfig struct {
	APIURL   string
	Token    string
	LogFile  string
	LogLevel string
	Timeout  time.Duration
}

// LoadClient reads the terminal client's configuration.
func LoadClient() (*ClientConfig, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := &ClientConfig{
		APIURL:   strings.TrimRight(getEnv("CHAT_API_URL", "http://localhost:8080"), "/"),
		Token:    getEnv("CHAT_TOKEN", ""),
		LogFile:  getEnv("CHAT_LOG_FILE", "chat.log"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Timeout:  getDurationEnv("CHAT_TIMEOUT", 15*time.Second),
	}
	if cfg.Token == "" {
		return nil, errors.New("CHAT_TOKEN is required")
	}
	return cfg, nil
}

// loadDotEnv loads path without overriding variables already set.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
