package messenger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/feed"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/internal/service"
	"github.com/capitalize-ai/messaging/internal/store"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

var epoch = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type fixture struct {
	store *store.Store
	svc   *service.Service
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &testClock{t: epoch}
	st.SetClock(clock.Now)

	for _, u := range []struct{ id, name string }{
		{"alice", "Alice Archer"},
		{"bob", "Bob Baker"},
		{"carol", "Carol Chen"},
	} {
		if _, err := st.UpsertUser(ctx, u.id, u.name, "Engineering"); err != nil {
			t.Fatalf("UpsertUser(%s) error = %v", u.id, err)
		}
	}

	hub := feed.NewHub(64, logger.NewNop())
	svc := service.New(st, hub, logger.NewNop(), service.WithClock(clock.Now))
	return &fixture{store: st, svc: svc, clock: clock}
}

func (f *fixture) session(userID string) Session {
	return Session{User: model.User{ID: userID}}
}

func (f *fixture) direct(t *testing.T, a, b string) string {
	t.Helper()
	id, err := f.svc.StartDirectConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("StartDirectConversation() error = %v", err)
	}
	return id
}

func (f *fixture) send(t *testing.T, convID, sender, body string) *model.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	msg, err := f.svc.InsertMessage(context.Background(), model.NewMessage{
		ConversationID: convID,
		SenderID:       sender,
		Body:           body,
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	return msg
}

func (f *fixture) messenger(t *testing.T, hb *hookBackend, userID string) *Messenger {
	t.Helper()
	m := New(hb, f.session(userID),
		WithLogger(logger.NewNop()),
		WithClock(f.clock.Now),
		WithReceiptBackOff(zeroBackOff),
		WithResubscribeBackOff(zeroBackOff),
	)
	t.Cleanup(m.Close)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return m
}

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

var errInjected = errors.New("injected failure")

// hookBackend wraps a real backend with gates and injected failures.
type hookBackend struct {
	backend.Backend

	mu              sync.Mutex
	gates           map[string]chan struct{}
	entered         chan string
	insertErr       error
	insertCalls     int
	afterInsert     chan struct{}
	inserted        chan *model.Message
	receiptFailures int
	receiptCalls    int
	watermarkErr    error
	watermarkCalls  int
	subscribeErrs   int
	subs            []backend.Subscription
}

func newHookBackend(b backend.Backend) *hookBackend {
	return &hookBackend{
		Backend: b,
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
	}
}

// block makes the next calls for key wait until the returned func is called.
func (h *hookBackend) block(key string) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	h.gates[key] = ch
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.gates[key] == ch {
				delete(h.gates, key)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hookBackend) unblock(key string) {
	h.mu.Lock()
	delete(h.gates, key)
	h.mu.Unlock()
}

func (h *hookBackend) wait(ctx context.Context, key string) error {
	h.mu.Lock()
	ch := h.gates[key]
	h.mu.Unlock()
	if ch == nil {
		return nil
	}
	h.entered <- key
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hookBackend) awaitEntered(t *testing.T, key string) {
	t.Helper()
	select {
	case got := <-h.entered:
		if got != key {
			t.Fatalf("entered %q, want %q", got, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", key)
	}
}

func (h *hookBackend) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := h.wait(ctx, "list:"+conversationID); err != nil {
		return nil, err
	}
	return h.Backend.ListMessages(ctx, conversationID)
}

func (h *hookBackend) LatestMessages(ctx context.Context, conversationIDs []string) ([]model.Message, error) {
	if err := h.wait(ctx, "latest"); err != nil {
		return nil, err
	}
	return h.Backend.LatestMessages(ctx, conversationIDs)
}

func (h *hookBackend) CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	counts, err := h.Backend.CountUnread(ctx, userID, conversationIDs)
	if err != nil {
		return nil, err
	}
	if err := h.wait(ctx, "counted"); err != nil {
		return nil, err
	}
	return counts, nil
}

func (h *hookBackend) InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error) {
	if err := h.wait(ctx, "insert:"+msg.ConversationID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.insertCalls++
	err := h.insertErr
	after, inserted := h.afterInsert, h.inserted
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	saved, err := h.Backend.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if inserted != nil {
		inserted <- saved
	}
	if after != nil {
		<-after
	}
	return saved, nil
}

func (h *hookBackend) UpdateMessagesReadAt(ctx context.Context, readerID string, messageIDs []string, at time.Time) ([]model.Message, error) {
	h.mu.Lock()
	h.receiptCalls++
	fail := h.receiptFailures > 0
	if fail {
		h.receiptFailures--
	}
	h.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return h.Backend.UpdateMessagesReadAt(ctx, readerID, messageIDs, at)
}

func (h *hookBackend) UpdateMemberLastReadAt(ctx context.Context, conversationID, userID string, at time.Time) error {
	h.mu.Lock()
	h.watermarkCalls++
	err := h.watermarkErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.Backend.UpdateMemberLastReadAt(ctx, conversationID, userID, at)
}

func (h *hookBackend) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	h.mu.Lock()
	if h.subscribeErrs > 0 {
		h.subscribeErrs--
		h.mu.Unlock()
		return nil, errInjected
	}
	h.mu.Unlock()
	if err := h.wait(ctx, "subscribe"); err != nil {
		return nil, err
	}

	sub, err := h.Backend.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub, nil
}

// dropFeed closes every subscription handed out so far, as a lost
// connection would.
func (h *hookBackend) dropFeed() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (h *hookBackend) counts() (inserts, receipts, watermarks int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insertCalls, h.receiptCalls, h.watermarkCalls
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
