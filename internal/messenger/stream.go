package messenger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/optimistic"
)

// ViewState is the lifecycle of the open conversation view.
type ViewState int

const (
	StateClosed ViewState = iota
	StateLoading
	StateLoaded
	StateError
)

func (s ViewState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "closed"
	}
}

// pendingSend is an insert awaiting the backend. gen is the view generation
// holding its optimistic copy.
type pendingSend struct {
	msg model.Message
	gen uint64
}

// Stream holds the message history of the one open conversation.
//
// Every Open bumps a generation counter. Fetches and sends remember the
// generation they started under and leave the view alone if it changed.
type Stream struct {
	backend  backend.Backend
	self     string
	now      func() time.Time
	onChange func()

	mu       sync.Mutex
	convID   string
	state    ViewState
	gen      uint64
	messages []model.Message
	early    []model.Message
	pending  *optimistic.Pending[pendingSend]
	drafts   map[string]string
	err      error
}

// NewStream creates a closed stream for the session's user.
func NewStream(b backend.Backend, session Session, now func() time.Time, onChange func()) *Stream {
	if now == nil {
		now = time.Now
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Stream{
		backend:  b,
		self:     session.UserID(),
		now:      now,
		onChange: onChange,
		pending:  optimistic.NewPending[pendingSend](),
		drafts:   make(map[string]string),
	}
}

// Open discards the current view and loads the full history of
// conversationID. It returns ErrStaleView if another Open or Close happened
// before the history arrived.
func (s *Stream) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.convID = conversationID
	s.state = StateLoading
	s.messages = nil
	s.early = nil
	s.err = nil
	s.mu.Unlock()
	s.onChange()

	msgs, err := s.backend.ListMessages(ctx, conversationID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStaleView
	}
	if err != nil {
		s.state = StateError
		s.err = err
		s.early = nil
		s.mu.Unlock()
		s.onChange()
		return err
	}

	s.messages = append([]model.Message(nil), msgs...)
	for _, m := range s.early {
		s.upsertLocked(m)
	}
	s.early = nil
	s.adoptPendingLocked()
	model.SortMessages(s.messages)
	s.state = StateLoaded
	s.mu.Unlock()
	s.onChange()
	return nil
}

// Resync refetches the open conversation and merges the result into the
// view, keeping optimistic sends. It is used after the feed reconnects.
func (s *Stream) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLoaded {
		s.mu.Unlock()
		return nil
	}
	gen, convID := s.gen, s.convID
	s.mu.Unlock()

	msgs, err := s.backend.ListMessages(ctx, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStaleView
	}
	for _, m := range msgs {
		s.upsertLocked(m)
	}
	s.mu.Unlock()
	s.onChange()
	return nil
}

// Close discards the view.
func (s *Stream) Close() {
	s.mu.Lock()
	s.gen++
	s.convID = ""
	s.state = StateClosed
	s.messages = nil
	s.early = nil
	s.err = nil
	s.mu.Unlock()
	s.onChange()
}

// ConversationID returns the open conversation, or "" when closed.
func (s *Stream) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// State returns the view state.
func (s *Stream) State() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that put the view in StateError.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Messages returns a copy of the history, oldest first.
func (s *Stream) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// Draft returns the unsent input of the open conversation.
func (s *Stream) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[s.convID]
}

// SetDraft records the unsent input of the open conversation.
func (s *Stream) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convID == "" {
		return
	}
	if text == "" {
		delete(s.drafts, s.convID)
		return
	}
	s.drafts[s.convID] = text
}

// PendingSends returns the number of sends awaiting the backend.
func (s *Stream) PendingSends() int {
	return s.pending.Len()
}

// UnreadFromOthers returns ids of loaded messages from other members that
// carry no read receipt yet.
func (s *Stream) UnreadFromOthers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, m := range s.messages {
		if m.SenderID != s.self && m.ReadAt == nil && !optimistic.IsTempID(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// ApplyInsert merges a message insert from the feed. It reports whether the
// message belongs to the open conversation.
func (s *Stream) ApplyInsert(msg model.Message) bool {
	return s.apply(msg)
}

// ApplyUpdate merges a message update from the feed. It reports whether the
// message belongs to the open conversation.
func (s *Stream) ApplyUpdate(msg model.Message) bool {
	return s.apply(msg)
}

func (s *Stream) apply(msg model.Message) bool {
	s.mu.Lock()
	if s.convID == "" || msg.ConversationID != s.convID {
		s.mu.Unlock()
		return false
	}
	switch s.state {
	case StateLoading:
		s.early = append(s.early, msg)
		s.mu.Unlock()
		return true
	case StateLoaded:
		s.upsertLocked(msg)
		s.mu.Unlock()
		s.onChange()
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

// MarkLocallyRead sets read_at on the given messages where it is unset.
func (s *Stream) MarkLocallyRead(ids []string, at time.Time) {
	if len(ids) == 0 {
		return
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	changed := false
	for i := range s.messages {
		if _, ok := want[s.messages[i].ID]; ok && s.messages[i].ReadAt == nil {
			t := at
			s.messages[i].ReadAt = &t
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.onChange()
	}
}

// Send appends an optimistic copy of body to the open conversation and
// inserts it. On success the copy is replaced by the stored message; on
// failure it is removed and body is restored into the draft.
func (s *Stream) Send(ctx context.Context, conversationID, body string) (*model.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if conversationID == "" || conversationID != s.convID || s.state != StateLoaded {
		s.mu.Unlock()
		return nil, ErrConversationNotOpen
	}
	tempID := optimistic.NewTempID()
	local := model.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           body,
		ClientID:       tempID,
		CreatedAt:      s.now().UTC(),
	}
	s.insertSortedLocked(local)
	s.pending.Add(tempID, pendingSend{msg: local, gen: s.gen})
	delete(s.drafts, conversationID)
	s.mu.Unlock()
	s.onChange()

	saved, err := s.backend.InsertMessage(ctx, model.NewMessage{
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           body,
		ClientID:       tempID,
	})

	s.mu.Lock()
	if err != nil {
		if p, ok := s.pending.Reject(tempID); ok {
			s.restoreDraftLocked(p.msg.ConversationID, p.msg.Body)
			if p.gen == s.gen {
				s.removeLocked(tempID)
			}
		}
		s.mu.Unlock()
		s.onChange()
		return nil, err
	}
	if p, ok := s.pending.Confirm(tempID); !ok || p.gen != s.gen {
		s.mu.Unlock()
		return saved, nil
	}

	if i := s.indexLocked(tempID); i >= 0 {
		if s.indexLocked(saved.ID) >= 0 {
			s.removeLocked(tempID)
		} else {
			s.messages[i] = *saved
			model.SortMessages(s.messages)
		}
	} else {
		s.upsertLocked(*saved)
	}
	s.mu.Unlock()
	s.onChange()
	return saved, nil
}

// adoptPendingLocked moves sends still in flight for the freshly loaded
// conversation into the current generation, restoring their optimistic copies
// unless the history already holds the stored message.
func (s *Stream) adoptPendingLocked() {
	for _, tempID := range s.pending.Keys() {
		p, ok := s.pending.Get(tempID)
		if !ok || p.msg.ConversationID != s.convID {
			continue
		}
		p.gen = s.gen
		s.pending.Add(tempID, p)
		if !s.hasClientIDLocked(tempID) {
			s.messages = append(s.messages, p.msg)
		}
	}
}

func (s *Stream) hasClientIDLocked(clientID string) bool {
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			return true
		}
	}
	return false
}

func (s *Stream) restoreDraftLocked(conversationID, body string) {
	if cur := s.drafts[conversationID]; cur != "" {
		s.drafts[conversationID] = body + "\n" + cur
		return
	}
	s.drafts[conversationID] = body
}

// upsertLocked merges msg by id. A message whose client id names an
// optimistic copy replaces that copy. read_at is never cleared.
func (s *Stream) upsertLocked(msg model.Message) {
	if msg.ClientID != "" && msg.ClientID != msg.ID {
		if i := s.indexLocked(msg.ClientID); i >= 0 {
			if s.indexLocked(msg.ID) >= 0 {
				s.removeLocked(msg.ClientID)
			} else {
				s.messages[i] = msg
				model.SortMessages(s.messages)
				return
			}
		}
	}

	if i := s.indexLocked(msg.ID); i >= 0 {
		cur := &s.messages[i]
		if cur.ReadAt == nil && msg.ReadAt != nil {
			t := *msg.ReadAt
			cur.ReadAt = &t
		}
		return
	}
	s.insertSortedLocked(msg)
}

func (s *Stream) insertSortedLocked(msg model.Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return msg.Before(&s.messages[i])
	})
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

func (s *Stream) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Stream) removeLocked(id string) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
}
