package messenger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/logger"
)

type entry struct {
	summary model.ConversationSummary
	// baseline is the newest message the last refresh saw; messages at or
	// before it are already in the fetched unread count.
	baseline *model.Message
	// counted holds ids of messages added to the unread count since the refresh.
	counted map[string]struct{}
}

type localMark struct {
	at     time.Time
	done   bool
	doneAt time.Time
}

type deferredMessage struct {
	msg     model.Message
	viewing bool
}

// Directory is the signed-in user's list of conversations with previews and
// unread counts.
type Directory struct {
	backend  backend.Backend
	self     string
	now      func() time.Time
	onChange func()
	logger   *logger.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	started  uint64
	applied  uint64
	inflight int
	deferred []deferredMessage
	marks    map[string]*localMark
	err      error
}

// NewDirectory creates an empty directory for the session's user.
func NewDirectory(b backend.Backend, session Session, now func() time.Time, onChange func(), log *logger.Logger) *Directory {
	if now == nil {
		now = time.Now
	}
	if onChange == nil {
		onChange = func() {}
	}
	if log == nil {
		log = logger.Global()
	}
	return &Directory{
		backend:  b,
		self:     session.UserID(),
		now:      now,
		onChange: onChange,
		logger:   log,
		entries:  make(map[string]*entry),
		marks:    make(map[string]*localMark),
	}
}

// Refresh refetches the conversation list. On failure the previous list is
// kept and the error returned. A refresh that completes after a later one
// has been applied is dropped.
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.started++
	gen := d.started
	d.inflight++
	startedAt := d.now()
	d.mu.Unlock()

	entries, err := d.fetch(ctx)

	d.mu.Lock()
	d.inflight--
	if err != nil {
		d.err = err
		if d.inflight == 0 {
			d.deferred = nil
		}
		d.mu.Unlock()
		d.onChange()
		return err
	}
	if gen < d.applied {
		if d.inflight == 0 {
			d.replayLocked()
		}
		d.mu.Unlock()
		return nil
	}

	for id, mark := range d.marks {
		e, ok := entries[id]
		keep := !mark.done || !mark.at.Before(startedAt) || !mark.doneAt.Before(startedAt)
		if !keep {
			delete(d.marks, id)
			continue
		}
		if ok {
			e.summary.UnreadCount = 0
			if e.summary.LastReadAt == nil || e.summary.LastReadAt.Before(mark.at) {
				at := mark.at
				e.summary.LastReadAt = &at
			}
		}
	}

	d.entries = entries
	d.applied = gen
	d.err = nil
	if d.inflight == 0 {
		d.replayLocked()
	}
	d.mu.Unlock()
	d.onChange()
	return nil
}

func (d *Directory) fetch(ctx context.Context) (map[string]*entry, error) {
	convs, memberships, err := d.backend.ListConversationsForUser(ctx, d.self)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]*entry, len(convs))
	if len(convs) == 0 {
		return entries, nil
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if _, dup := entries[c.ID]; dup {
			continue
		}
		ids = append(ids, c.ID)
		entries[c.ID] = &entry{
			summary: model.ConversationSummary{Conversation: c},
			counted: make(map[string]struct{}),
		}
	}
	for _, m := range memberships {
		if e, ok := entries[m.ConversationID]; ok && m.UserID == d.self {
			e.summary.LastReadAt = m.LastReadAt
		}
	}

	members, err := d.backend.ListMembers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if e, ok := entries[m.ConversationID]; ok {
			e.summary.Members = append(e.summary.Members, m)
		}
	}

	unread, latest, err := d.fetchCounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, m := range latest {
		e, ok := entries[m.ConversationID]
		if !ok {
			continue
		}
		msg := m
		if e.summary.LastMessage == nil || e.summary.LastMessage.Before(&msg) {
			e.summary.LastMessage = &msg
			e.baseline = &msg
		}
	}
	for id, e := range entries {
		e.summary.UnreadCount = unread[id]
		e.summary.DisplayName = displayName(&e.summary, d.self)
		e.summary.Initials = initials(&e.summary, d.self)
	}
	return entries, nil
}

// fetchCounts reads unread counts bracketed by two reads of the latest
// messages. When both reads agree, the counts cover exactly the messages up
// to the returned previews, which become the baseline for live increments.
func (d *Directory) fetchCounts(ctx context.Context, ids []string) (map[string]int, []model.Message, error) {
	latest, err := d.backend.LatestMessages(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	for attempt := 1; ; attempt++ {
		unread, err := d.backend.CountUnread(ctx, d.self, ids)
		if err != nil {
			return nil, nil, err
		}
		after, err := d.backend.LatestMessages(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		if sameLatest(latest, after) || attempt == maxSnapshotAttempts {
			return unread, after, nil
		}
		latest = after
	}
}

const maxSnapshotAttempts = 3

func sameLatest(a, b []model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]string, len(a))
	for _, m := range a {
		ids[m.ConversationID] = m.ID
	}
	for _, m := range b {
		if ids[m.ConversationID] != m.ID {
			return false
		}
	}
	return true
}

// replayLocked re-applies messages that arrived while refreshes were in flight.
func (d *Directory) replayLocked() {
	deferred := d.deferred
	d.deferred = nil
	for _, dm := range deferred {
		d.applyLocked(dm.msg, dm.viewing)
	}
}

// ApplyMessage folds a newly inserted message into the list. viewing means
// the message's conversation is open, so it is not counted as unread. It
// returns false when the conversation is not in the list.
func (d *Directory) ApplyMessage(msg model.Message, viewing bool) bool {
	d.mu.Lock()
	if d.inflight > 0 {
		d.deferred = append(d.deferred, deferredMessage{msg: msg, viewing: viewing})
	}
	known := d.applyLocked(msg, viewing)
	if !known && d.inflight > 0 {
		// The in-flight refresh may bring the conversation in.
		known = true
	}
	d.mu.Unlock()
	if known {
		d.onChange()
	}
	return known
}

func (d *Directory) applyLocked(msg model.Message, viewing bool) bool {
	e, ok := d.entries[msg.ConversationID]
	if !ok {
		return false
	}

	s := &e.summary
	if s.LastMessage == nil || s.LastMessage.Before(&msg) {
		m := msg
		s.LastMessage = &m
	} else if s.LastMessage.ID == msg.ID && s.LastMessage.ReadAt == nil && msg.ReadAt != nil {
		m := *s.LastMessage
		m.ReadAt = msg.ReadAt
		s.LastMessage = &m
	}

	if viewing || msg.SenderID == d.self {
		return true
	}
	if e.baseline != nil && !e.baseline.Before(&msg) {
		return true
	}
	if s.LastReadAt != nil && !msg.CreatedAt.After(*s.LastReadAt) {
		return true
	}
	if _, seen := e.counted[msg.ID]; seen {
		return true
	}
	e.counted[msg.ID] = struct{}{}
	s.UnreadCount++
	return true
}

// ApplyUpdate patches the preview's read receipt.
func (d *Directory) ApplyUpdate(msg model.Message) {
	d.mu.Lock()
	e, ok := d.entries[msg.ConversationID]
	changed := false
	if ok && e.summary.LastMessage != nil && e.summary.LastMessage.ID == msg.ID &&
		e.summary.LastMessage.ReadAt == nil && msg.ReadAt != nil {
		m := *e.summary.LastMessage
		m.ReadAt = msg.ReadAt
		e.summary.LastMessage = &m
		changed = true
	}
	d.mu.Unlock()
	if changed {
		d.onChange()
	}
}

// MarkRead zeroes the conversation's unread count and moves the local
// watermark to now before writing the watermark to the backend. A backend
// failure is returned, but the local zero stands until the next refresh.
func (d *Directory) MarkRead(ctx context.Context, conversationID string) error {
	at := d.now().UTC()

	d.mu.Lock()
	if e, ok := d.entries[conversationID]; ok {
		e.summary.UnreadCount = 0
		if e.summary.LastReadAt == nil || e.summary.LastReadAt.Before(at) {
			t := at
			e.summary.LastReadAt = &t
		}
	}
	mark := &localMark{at: at}
	d.marks[conversationID] = mark
	d.mu.Unlock()
	d.onChange()

	err := d.backend.UpdateMemberLastReadAt(ctx, conversationID, d.self, at)

	d.mu.Lock()
	mark.done = true
	mark.doneAt = d.now()
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("failed to save read watermark",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	return err
}

// StartDirect returns the direct conversation with recipientID, creating it
// on the backend if needed, then refreshes the list.
func (d *Directory) StartDirect(ctx context.Context, recipientID string) (string, error) {
	id, err := d.backend.StartDirectConversation(ctx, d.self, recipientID)
	if err != nil {
		return "", err
	}
	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("failed to refresh conversations", zap.Error(err))
	}
	return id, nil
}

// CreateGroup creates a group with memberIDs and the signed-in user, then
// refreshes the list.
func (d *Directory) CreateGroup(ctx context.Context, memberIDs []string, name string) (string, error) {
	seen := map[string]struct{}{d.self: {}}
	others := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others) == 0 {
		return "", ErrNoGroupMembers
	}

	conv, err := d.backend.CreateGroupConversation(ctx, d.self, name, others)
	if err != nil {
		return "", err
	}
	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("failed to refresh conversations", zap.Error(err))
	}
	return conv.ID, nil
}

// Conversations returns the list sorted by unread count, then most recent
// activity, then id.
func (d *Directory) Conversations() []model.ConversationSummary {
	d.mu.Lock()
	out := make([]model.ConversationSummary, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.summary)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.UnreadCount != b.UnreadCount {
			return a.UnreadCount > b.UnreadCount
		}
		ta, tb := a.LastActivity(), b.LastActivity()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
	return out
}

// Get returns one conversation's summary.
func (d *Directory) Get(conversationID string) (model.ConversationSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[conversationID]
	if !ok {
		return model.ConversationSummary{}, false
	}
	return e.summary, true
}

// Err returns the error of the last failed refresh, cleared by a successful one.
func (d *Directory) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func displayName(s *model.ConversationSummary, self string) string {
	if s.IsGroup {
		if s.Name != nil && strings.TrimSpace(*s.Name) != "" {
			return *s.Name
		}
		names := make([]string, 0, len(s.Members))
		for _, m := range s.Members {
			if m.UserID != self {
				names = append(names, memberName(m))
			}
		}
		if len(names) == 0 {
			return "Group"
		}
		return strings.Join(names, ", ")
	}
	for _, m := range s.Members {
		if m.UserID != self {
			return memberName(m)
		}
	}
	return "Unknown"
}

// initials abbreviates a row. An unnamed group takes one letter from each of
// its first two other members.
func initials(s *model.ConversationSummary, self string) string {
	if !s.IsGroup || (s.Name != nil && strings.TrimSpace(*s.Name) != "") {
		return model.Initials(s.DisplayName)
	}
	var out []rune
	for _, m := range s.Members {
		if m.UserID == self {
			continue
		}
		if in := model.Initials(memberName(m)); in != "?" {
			out = append(out, []rune(in)[0])
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return model.Initials(s.DisplayName)
	}
	return string(out)
}

func memberName(m model.MemberProfile) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.UserID
}
