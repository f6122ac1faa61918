package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

type memCache struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	v, ok := c.data[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

type memStore struct {
	users map[string]*model.User
	reads int
}

func (s *memStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.reads++
	u, ok := s.users[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) SetUserStatus(ctx context.Context, id string, status model.Status) error {
	u, ok := s.users[id]
	if !ok {
		return backend.ErrNotFound
	}
	u.Status = status
	return nil
}

func newStore() *memStore {
	return &memStore{users: map[string]*model.User{
		"alice": {ID: "alice", DisplayName: "Alice", Status: model.StatusAvailable},
	}}
}

func TestTrackerSetWritesStoreAndCache(t *testing.T) {
	st, cache := newStore(), newMemCache()
	tr := NewTracker(st, cache, time.Minute, logger.NewNop())
	ctx := context.Background()

	got, err := tr.Set(ctx, "alice", "busy")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got != model.StatusBusy || st.users["alice"].Status != model.StatusBusy {
		t.Errorf("status = %s, stored = %s", got, st.users["alice"].Status)
	}
	if cache.data[Key("alice")] != "Busy" || cache.ttls[Key("alice")] != time.Minute {
		t.Errorf("cache = %v %v", cache.data, cache.ttls)
	}

	status, err := tr.Get(ctx, "alice")
	if err != nil || status != model.StatusBusy {
		t.Fatalf("Get() = %s, %v", status, err)
	}
	if st.reads != 0 {
		t.Errorf("store read %d times, want cache hit", st.reads)
	}

	if _, err := tr.Set(ctx, "alice", "invisible"); !errors.Is(err, backend.ErrInvalidArgument) {
		t.Errorf("Set(invalid) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := tr.Set(ctx, "nobody", "Away"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Set(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestTrackerFallsBackToStore(t *testing.T) {
	st, cache := newStore(), newMemCache()
	tr := NewTracker(st, cache, 0, logger.NewNop())
	ctx := context.Background()

	status, err := tr.Get(ctx, "alice")
	if err != nil || status != model.StatusAvailable {
		t.Fatalf("Get() = %s, %v", status, err)
	}
	if cache.data[Key("alice")] != "Available" {
		t.Error("cache miss should warm the cache")
	}

	cache.err = errors.New("connection refused")
	st.users["alice"].Status = model.StatusAway
	status, err = tr.Get(ctx, "alice")
	if err != nil || status != model.StatusAway {
		t.Fatalf("Get() with cache down = %s, %v", status, err)
	}
}

func TestTrackerWithoutCache(t *testing.T) {
	st := newStore()
	tr := NewTracker(st, nil, time.Minute, logger.NewNop())
	ctx := context.Background()

	if _, err := tr.Set(ctx, "alice", "Away"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	status, err := tr.Get(ctx, "alice")
	if err != nil || status != model.StatusAway {
		t.Fatalf("Get() = %s, %v", status, err)
	}
}
