package messenger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/optimistic"
)

func openStream(t *testing.T, f *fixture, hb *hookBackend, userID, convID string) *Stream {
	t.Helper()
	s := NewStream(hb, f.session(userID), f.clock.Now, nil)
	if err := s.Open(context.Background(), convID); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.State() != StateLoaded {
		t.Fatalf("State() = %s, want loaded", s.State())
	}
	return s
}

func bodies(msgs []model.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Body
	}
	return strings.Join(parts, ",")
}

func TestStreamOpenLoadsHistoryInOrder(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	f.send(t, conv, "alice", "one")
	f.send(t, conv, "bob", "two")
	f.send(t, conv, "alice", "three")

	s := openStream(t, f, newHookBackend(f.svc), "bob", conv)
	if got := bodies(s.Messages()); got != "one,two,three" {
		t.Errorf("Messages() = %s", got)
	}
	if got := s.UnreadFromOthers(); len(got) != 2 {
		t.Errorf("UnreadFromOthers() = %v, want 2 ids", got)
	}
}

func TestStreamApplyInsertIsIdempotent(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	s := openStream(t, f, newHookBackend(f.svc), "bob", conv)

	msg := f.send(t, conv, "alice", "hello")
	for i := 0; i < 3; i++ {
		if !s.ApplyInsert(*msg) {
			t.Fatal("ApplyInsert() = false for open conversation")
		}
	}
	if n := len(s.Messages()); n != 1 {
		t.Errorf("len(Messages()) = %d, want 1", n)
	}

	other := *msg
	other.ID = "elsewhere"
	other.ConversationID = "another-conversation"
	if s.ApplyInsert(other) {
		t.Error("ApplyInsert() = true for another conversation")
	}
}

func TestStreamOrdersByCreatedAtNotArrival(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	s := openStream(t, f, newHookBackend(f.svc), "bob", conv)

	mk := func(id, body string, offset time.Duration) model.Message {
		return model.Message{ID: id, ConversationID: conv, SenderID: "alice", Body: body, CreatedAt: epoch.Add(offset)}
	}
	s.ApplyInsert(mk("m3", "third", 3*time.Second))
	s.ApplyInsert(mk("m1", "first", time.Second))
	s.ApplyInsert(mk("m2b", "second-b", 2*time.Second))
	s.ApplyInsert(mk("m2a", "second-a", 2*time.Second))

	if got := bodies(s.Messages()); got != "first,second-a,second-b,third" {
		t.Errorf("Messages() = %s", got)
	}
}

func TestStreamReadAtIsNeverCleared(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	s := openStream(t, f, newHookBackend(f.svc), "alice", conv)

	msg := f.send(t, conv, "alice", "hello")
	read := *msg
	at := epoch.Add(time.Minute)
	read.ReadAt = &at

	s.ApplyUpdate(read)
	s.ApplyInsert(*msg)

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(at) {
		t.Fatalf("Messages() = %+v, want one message read at %v", msgs, at)
	}
}

func TestStreamSendWhitespaceMakesNoCall(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	hb := newHookBackend(f.svc)
	s := openStream(t, f, hb, "alice", conv)

	for _, body := range []string{"", "   ", "\n\t "} {
		if _, err := s.Send(context.Background(), conv, body); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", body, err)
		}
	}
	if inserts, _, _ := hb.counts(); inserts != 0 {
		t.Errorf("InsertMessage called %d times", inserts)
	}
	if n := len(s.Messages()); n != 0 {
		t.Errorf("len(Messages()) = %d, want 0", n)
	}
}

func TestStreamSendToClosedConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	hb := newHookBackend(f.svc)
	s := NewStream(hb, f.session("alice"), f.clock.Now, nil)

	if _, err := s.Send(context.Background(), conv, "hi"); !errors.Is(err, ErrConversationNotOpen) {
		t.Errorf("Send() error = %v, want ErrConversationNotOpen", err)
	}
	if inserts, _, _ := hb.counts(); inserts != 0 {
		t.Errorf("InsertMessage called %d times", inserts)
	}
}

func TestStreamSendReplacesOptimisticMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	s := openStream(t, f, newHookBackend(f.svc), "alice", conv)

	saved, err := s.Send(context.Background(), conv, "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if optimistic.IsTempID(saved.ID) || !optimistic.IsTempID(saved.ClientID) {
		t.Errorf("saved = %+v, want real id and temp client id", saved)
	}

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != saved.ID {
		t.Fatalf("Messages() = %+v, want only the saved message", msgs)
	}
	if s.PendingSends() != 0 {
		t.Errorf("PendingSends() = %d, want 0", s.PendingSends())
	}

	// The feed echo of the same insert changes nothing.
	s.ApplyInsert(*saved)
	if n := len(s.Messages()); n != 1 {
		t.Errorf("len(Messages()) after echo = %d, want 1", n)
	}
}

func TestStreamSendEchoBeforeResponse(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	hb := newHookBackend(f.svc)
	s := openStream(t, f, hb, "alice", conv)

	release := make(chan struct{})
	hb.afterInsert = release
	hb.inserted = make(chan *model.Message, 1)

	type result struct {
		msg *model.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.Send(context.Background(), conv, "hello")
		done <- result{msg, err}
	}()

	echo := <-hb.inserted
	msgs := s.Messages()
	if len(msgs) != 1 || !optimistic.IsTempID(msgs[0].ID) {
		t.Fatalf("Messages() before echo = %+v, want one optimistic message", msgs)
	}

	s.ApplyInsert(*echo)
	msgs = s.Messages()
	if len(msgs) != 1 || msgs[0].ID != echo.ID {
		t.Fatalf("Messages() after echo = %+v, want the echoed message only", msgs)
	}

	close(release)
	res := <-done
	if res.err != nil {
		t.Fatalf("Send() error = %v", res.err)
	}
	msgs = s.Messages()
	if len(msgs) != 1 || msgs[0].ID != res.msg.ID {
		t.Errorf("Messages() after response = %+v", msgs)
	}
}

func TestStreamSendFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	hb := newHookBackend(f.svc)
	s := openStream(t, f, hb, "alice", conv)
	f.send(t, conv, "bob", "earlier")

	if err := s.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	before := bodies(s.Messages())

	hb.insertErr = errInjected
	s.SetDraft("hello")
	if _, err := s.Send(context.Background(), conv, "hello"); !errors.Is(err, errInjected) {
		t.Fatalf("Send() error = %v, want injected failure", err)
	}

	if got := bodies(s.Messages()); got != before {
		t.Errorf("Messages() = %s, want %s", got, before)
	}
	if got := s.Draft(); got != "hello" {
		t.Errorf("Draft() = %q, want restored body", got)
	}
	if s.PendingSends() != 0 {
		t.Errorf("PendingSends() = %d, want 0", s.PendingSends())
	}
}

type sendResult struct {
	msg *model.Message
	err error
}

func TestStreamSendResolvesAfterSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withBob := f.direct(t, "alice", "bob")
	withCarol := f.direct(t, "alice", "carol")
	f.send(t, withCarol, "carol", "c2-msg")

	hb := newHookBackend(f.svc)
	s := openStream(t, f, hb, "alice", withBob)

	release := make(chan struct{})
	hb.afterInsert = release
	hb.inserted = make(chan *model.Message, 1)

	done := make(chan sendResult, 1)
	go func() {
		msg, err := s.Send(ctx, withBob, "to bob")
		done <- sendResult{msg, err}
	}()
	echo := <-hb.inserted

	if err := s.Open(ctx, withCarol); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.ApplyInsert(*echo) {
		t.Error("ApplyInsert() = true for a message of another conversation")
	}

	close(release)
	res := <-done
	if res.err != nil {
		t.Fatalf("Send() error = %v", res.err)
	}
	if res.msg.ID != echo.ID {
		t.Errorf("Send() = %+v, want %+v", res.msg, echo)
	}
	if got := bodies(s.Messages()); got != "c2-msg" {
		t.Errorf("Messages() = %s, want c2-msg only", got)
	}
	if s.PendingSends() != 0 {
		t.Errorf("PendingSends() = %d, want 0", s.PendingSends())
	}

	if err := s.Open(ctx, withBob); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := bodies(s.Messages()); got != "to bob" {
		t.Errorf("Messages() after reopening = %s, want to bob", got)
	}
}

func TestStreamSendFailsAfterSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withBob := f.direct(t, "alice", "bob")
	withCarol := f.direct(t, "alice", "carol")
	f.send(t, withCarol, "carol", "c2-msg")

	hb := newHookBackend(f.svc)
	s := openStream(t, f, hb, "alice", withBob)

	release := hb.block("insert:" + withBob)
	defer release()

	done := make(chan sendResult, 1)
	go func() {
		msg, err := s.Send(ctx, withBob, "to bob")
		done <- sendResult{msg, err}
	}()
	hb.awaitEntered(t, "insert:"+withBob)

	if err := s.Open(ctx, withCarol); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.SetDraft("for carol")

	hb.mu.Lock()
	hb.insertErr = errInjected
	hb.mu.Unlock()
	release()

	if res := <-done; !errors.Is(res.err, errInjected) {
		t.Fatalf("Send() error = %v, want injected failure", res.err)
	}
	if got := bodies(s.Messages()); got != "c2-msg" {
		t.Errorf("Messages() = %s, want c2-msg only", got)
	}
	if got := s.Draft(); got != "for carol" {
		t.Errorf("Draft() = %q, want the open conversation's draft untouched", got)
	}

	if err := s.Open(ctx, withBob); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := s.Draft(); got != "to bob" {
		t.Errorf("Draft() after reopening = %q, want the failed body", got)
	}
	if n := len(s.Messages()); n != 0 {
		t.Errorf("len(Messages()) after reopening = %d, want 0", n)
	}
}

func TestStreamReopenAdoptsInFlightSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withBob := f.direct(t, "alice", "bob")
	withCarol := f.direct(t, "alice", "carol")

	hb := newHookBackend(f.svc)
	s := openStream(t, f, hb, "alice", withBob)

	release := hb.block("insert:" + withBob)
	defer release()

	done := make(chan sendResult, 1)
	go func() {
		msg, err := s.Send(ctx, withBob, "to bob")
		done <- sendResult{msg, err}
	}()
	hb.awaitEntered(t, "insert:"+withBob)

	if err := s.Open(ctx, withCarol); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if n := len(s.Messages()); n != 0 {
		t.Fatalf("len(Messages()) in the other conversation = %d, want 0", n)
	}
	if err := s.Open(ctx, withBob); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || !optimistic.IsTempID(msgs[0].ID) || msgs[0].Body != "to bob" {
		t.Fatalf("Messages() after reopening = %+v, want the optimistic copy", msgs)
	}
	if s.PendingSends() != 1 {
		t.Errorf("PendingSends() = %d, want 1", s.PendingSends())
	}

	release()
	res := <-done
	if res.err != nil {
		t.Fatalf("Send() error = %v", res.err)
	}
	msgs = s.Messages()
	if len(msgs) != 1 || msgs[0].ID != res.msg.ID {
		t.Errorf("Messages() after response = %+v, want only the stored message", msgs)
	}
	if s.PendingSends() != 0 {
		t.Errorf("PendingSends() = %d, want 0", s.PendingSends())
	}
}

func TestStreamBuffersEventsWhileLoading(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	f.send(t, conv, "alice", "old")
	hb := newHookBackend(f.svc)
	s := NewStream(hb, f.session("bob"), f.clock.Now, nil)

	release := hb.block("list:" + conv)
	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), conv) }()
	hb.awaitEntered(t, "list:"+conv)

	if s.State() != StateLoading {
		t.Fatalf("State() = %s, want loading", s.State())
	}
	late := f.send(t, conv, "alice", "new")
	if !s.ApplyInsert(*late) {
		t.Fatal("ApplyInsert() while loading = false")
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := bodies(s.Messages()); got != "old,new" {
		t.Errorf("Messages() = %s, want old,new", got)
	}
}

func TestStreamStaleOpenIsDiscarded(t *testing.T) {
	f := newFixture(t)
	first := f.direct(t, "alice", "bob")
	second := f.direct(t, "alice", "carol")
	f.send(t, first, "bob", "from bob")
	f.send(t, second, "carol", "from carol")

	hb := newHookBackend(f.svc)
	s := NewStream(hb, f.session("alice"), f.clock.Now, nil)

	release := hb.block("list:" + first)
	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), first) }()
	hb.awaitEntered(t, "list:"+first)

	if err := s.Open(context.Background(), second); err != nil {
		t.Fatalf("Open(second) error = %v", err)
	}
	release()
	if err := <-done; !errors.Is(err, ErrStaleView) {
		t.Fatalf("Open(first) error = %v, want ErrStaleView", err)
	}

	if s.ConversationID() != second || s.State() != StateLoaded {
		t.Errorf("view = %s %s, want %s loaded", s.ConversationID(), s.State(), second)
	}
	if got := bodies(s.Messages()); got != "from carol" {
		t.Errorf("Messages() = %s", got)
	}
}

func TestStreamOpenFailureSetsError(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, "alice", "bob")
	hb := newHookBackend(f.svc)
	s := NewStream(hb, f.session("alice"), f.clock.Now, nil)

	ctx, cancel := context.WithCancel(context.Background())
	hb.block("list:" + conv)
	done := make(chan error, 1)
	go func() { done <- s.Open(ctx, conv) }()
	hb.awaitEntered(t, "list:"+conv)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v, want context.Canceled", err)
	}
	if s.State() != StateError || s.Err() == nil {
		t.Errorf("State() = %s, Err() = %v", s.State(), s.Err())
	}
	if _, err := s.Send(context.Background(), conv, "hi"); !errors.Is(err, ErrConversationNotOpen) {
		t.Errorf("Send() in error state = %v", err)
	}
}

func TestStreamDraftsArePerConversation(t *testing.T) {
	f := newFixture(t)
	first := f.direct(t, "alice", "bob")
	second := f.direct(t, "alice", "carol")
	s := openStream(t, f, newHookBackend(f.svc), "alice", first)

	s.SetDraft("for bob")
	if err := s.Open(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if s.Draft() != "" {
		t.Errorf("Draft() = %q in second conversation", s.Draft())
	}
	if err := s.Open(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if s.Draft() != "for bob" {
		t.Errorf("Draft() = %q, want kept draft", s.Draft())
	}

	s.Close()
	if s.State() != StateClosed || s.ConversationID() != "" || len(s.Messages()) != 0 {
		t.Errorf("after Close: %s %q %d", s.State(), s.ConversationID(), len(s.Messages()))
	}
}
