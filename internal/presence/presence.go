// Package presence tracks users' Available/Away/Busy status. The store is the
// record; Redis caches it for the hot read path.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

// ErrMiss is returned by a Cache when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is the key/value cache presence is kept in.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Store is the durable record of users' status.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetUserStatus(ctx context.Context, id string, status model.Status) error
}

// Tracker reads and writes presence.
type Tracker struct {
	cache  Cache
	store  Store
	ttl    time.Duration
	logger *logger.Logger
}

// NewTracker creates a tracker. cache may be nil.
func NewTracker(store Store, cache Cache, ttl time.Duration, log *logger.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logger.Global()
	}
	return &Tracker{cache: cache, store: store, ttl: ttl, logger: log}
}

// Key returns the cache key for a user's presence.
func Key(userID string) string {
	return "presence:" + userID
}

// Set validates and records a user's status.
func (t *Tracker) Set(ctx context.Context, userID, status string) (model.Status, error) {
	st, err := model.ParseStatus(status)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, backend.ErrInvalidArgument)
	}
	if err := t.store.SetUserStatus(ctx, userID, st); err != nil {
		return "", err
	}
	if t.cache != nil {
		if err := t.cache.Set(ctx, Key(userID), string(st), t.ttl); err != nil {
			t.logger.Warn("failed to cache presence", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return st, nil
}

// Get returns a user's status, from the cache when possible.
func (t *Tracker) Get(ctx context.Context, userID string) (model.Status, error) {
	if t.cache != nil {
		v, err := t.cache.Get(ctx, Key(userID))
		if err == nil {
			if st, perr := model.ParseStatus(v); perr == nil {
				return st, nil
			}
		} else if !errors.Is(err, ErrMiss) {
			t.logger.Warn("presence cache unavailable", zap.String("user_id", userID), zap.Error(err))
		}
	}

	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if t.cache != nil {
		if err := t.cache.Set(ctx, Key(userID), string(u.Status), t.ttl); err != nil {
			t.logger.Debug("failed to warm presence cache", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return u.Status, nil
}

// RedisCache implements Cache on a go-redis client.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to the Redis server at url and pings it.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisCache{client: c}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Ping checks the connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
