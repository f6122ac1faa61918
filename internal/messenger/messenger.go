package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

// Messenger is the client-side core: a conversation directory, one open
// message stream, and the synchronizer feeding both from the backend.
type Messenger struct {
	session        Session
	backend        backend.Backend
	logger         *logger.Logger
	now            func() time.Time
	receiptBackOff func() backoff.BackOff
	resubBackOff   func() backoff.BackOff

	dir    *Directory
	stream *Stream
	syncer *Synchronizer

	changes   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Messenger) { m.logger = l }
}

// WithClock sets the time source used for optimistic messages, watermarks,
// and receipts.
func WithClock(now func() time.Time) Option {
	return func(m *Messenger) { m.now = now }
}

// WithReceiptBackOff sets the back-off policy between read receipt attempts.
func WithReceiptBackOff(f func() backoff.BackOff) Option {
	return func(m *Messenger) { m.receiptBackOff = f }
}

// WithResubscribeBackOff sets the back-off policy for feed reconnects.
func WithResubscribeBackOff(f func() backoff.BackOff) Option {
	return func(m *Messenger) { m.resubBackOff = f }
}

// New creates a Messenger for session over b. Call Start to load the
// directory and connect the feed.
func New(b backend.Backend, session Session, opts ...Option) *Messenger {
	m := &Messenger{
		session:        session,
		backend:        b,
		logger:         logger.Global(),
		now:            time.Now,
		receiptBackOff: defaultReceiptBackOff,
		resubBackOff:   defaultResubscribeBackOff,
		changes:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("user_id", session.UserID()))
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.dir = NewDirectory(b, session, m.now, m.notify, m.logger.Named("directory"))
	m.stream = NewStream(b, session, m.now, m.notify)
	m.syncer = NewSynchronizer(b, session, m.dir, m.stream, m.logger.Named("sync"), m.resubBackOff, m.onViewedIncoming, m.notify)
	return m
}

func defaultReceiptBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return b
}

// Start connects the change feed and loads the conversation list. A failed
// load is returned; the feed keeps running either way.
func (m *Messenger) Start(ctx context.Context) error {
	if err := m.syncer.Start(m.ctx); err != nil {
		return err
	}
	return m.dir.Refresh(ctx)
}

// Close stops the feed and waits for background receipt writes.
func (m *Messenger) Close() {
	m.closeOnce.Do(func() {
		m.syncer.Stop()
		m.cancel()
		m.wg.Wait()
	})
}

// Changes signals that visible state changed. Signals are coalesced.
func (m *Messenger) Changes() <-chan struct{} {
	return m.changes
}

func (m *Messenger) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Session returns the signed-in user.
func (m *Messenger) Session() Session {
	return m.session
}

// Live reports whether the change feed is connected.
func (m *Messenger) Live() bool {
	return m.syncer.Live()
}

// Refresh reloads the conversation list.
func (m *Messenger) Refresh(ctx context.Context) error {
	return m.dir.Refresh(ctx)
}

// Conversations returns the sorted conversation list.
func (m *Messenger) Conversations() []model.ConversationSummary {
	return m.dir.Conversations()
}

// Conversation returns one entry of the conversation list.
func (m *Messenger) Conversation(conversationID string) (model.ConversationSummary, bool) {
	return m.dir.Get(conversationID)
}

// DirectoryErr returns the error of the last failed list refresh.
func (m *Messenger) DirectoryErr() error {
	return m.dir.Err()
}

// OpenConversation loads the conversation's history, moves the user's
// watermark to now, and sends read receipts for every loaded message from
// others. Watermark and receipt failures are logged, not returned.
func (m *Messenger) OpenConversation(ctx context.Context, conversationID string) error {
	if err := m.stream.Open(ctx, conversationID); err != nil {
		return err
	}
	_ = m.dir.MarkRead(ctx, conversationID)

	if m.stream.ConversationID() != conversationID {
		return nil
	}
	_ = m.sendReceipts(ctx, m.stream.UnreadFromOthers())
	return nil
}

// CloseConversation discards the open conversation view.
func (m *Messenger) CloseConversation() {
	m.stream.Close()
}

// OpenConversationID returns the open conversation, or "".
func (m *Messenger) OpenConversationID() string {
	return m.stream.ConversationID()
}

// State returns the open conversation's view state.
func (m *Messenger) State() ViewState {
	return m.stream.State()
}

// StreamErr returns the error that failed the open conversation's load.
func (m *Messenger) StreamErr() error {
	return m.stream.Err()
}

// Messages returns the open conversation's history, oldest first.
func (m *Messenger) Messages() []model.Message {
	return m.stream.Messages()
}

// PendingSends returns the number of sends awaiting the backend.
func (m *Messenger) PendingSends() int {
	return m.stream.PendingSends()
}

// Draft returns the open conversation's unsent input.
func (m *Messenger) Draft() string {
	return m.stream.Draft()
}

// SetDraft records the open conversation's unsent input.
func (m *Messenger) SetDraft(text string) {
	m.stream.SetDraft(text)
}

// Send posts body to the open conversation.
func (m *Messenger) Send(ctx context.Context, body string) (*model.Message, error) {
	saved, err := m.stream.Send(ctx, m.stream.ConversationID(), body)
	if err != nil {
		return nil, err
	}
	m.dir.ApplyMessage(*saved, true)
	return saved, nil
}

// StartDirectConversation gets or creates the direct conversation with
// recipientID and returns its id.
func (m *Messenger) StartDirectConversation(ctx context.Context, recipientID string) (string, error) {
	return m.dir.StartDirect(ctx, recipientID)
}

// CreateGroupConversation creates a group with memberIDs and the signed-in
// user and returns its id.
func (m *Messenger) CreateGroupConversation(ctx context.Context, memberIDs []string, name string) (string, error) {
	return m.dir.CreateGroup(ctx, memberIDs, name)
}

// MarkConversationRead zeroes the conversation's unread count and moves the
// watermark to now.
func (m *Messenger) MarkConversationRead(ctx context.Context, conversationID string) error {
	return m.dir.MarkRead(ctx, conversationID)
}

// onViewedIncoming runs on the synchronizer's loop for messages arriving in
// the open conversation.
func (m *Messenger) onViewedIncoming(msg model.Message) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := m.ctx
		if ctx.Err() != nil {
			return
		}
		_ = m.sendReceipts(ctx, []string{msg.ID})
		_ = m.dir.MarkRead(ctx, msg.ConversationID)
	}()
}

// sendReceipts stamps read_at on ids, retrying up to three attempts in
// total, and patches the open view with the rows the backend stamped.
func (m *Messenger) sendReceipts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	var at time.Time
	b := backoff.WithContext(backoff.WithMaxRetries(m.receiptBackOff(), 2), ctx)
	stamped, err := backoff.RetryWithData(func() ([]model.Message, error) {
		at = m.now().UTC()
		rows, err := m.backend.UpdateMessagesReadAt(ctx, m.session.UserID(), ids, at)
		if errors.Is(err, backend.ErrInvalidArgument) || errors.Is(err, backend.ErrNotMember) {
			return nil, backoff.Permanent(err)
		}
		return rows, err
	}, b)
	if err != nil {
		m.logger.Warn("failed to send read receipts",
			zap.Int("count", len(ids)),
			zap.Error(err),
		)
		return err
	}

	if len(stamped) > 0 {
		stampedIDs := make([]string, 0, len(stamped))
		for _, msg := range stamped {
			stampedIDs = append(stampedIDs, msg.ID)
			if msg.ReadAt != nil {
				at = *msg.ReadAt
			}
		}
		m.stream.MarkLocallyRead(stampedIDs, at)
	}
	return nil
}
