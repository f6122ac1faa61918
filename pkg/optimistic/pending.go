// Package optimistic tracks local mutations that were applied before the
// backend confirmed them.
package optimistic

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempPrefix marks ids generated on the client.
const TempPrefix = "tmp_"

// NewTempID returns a client-generated temporary id.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Pending is a set of unconfirmed mutations keyed by temporary id.
// It is safe for concurrent use.
type Pending[T any] struct {
	mu    sync.Mutex
	items map[string]T
	order []string
}

// NewPending creates an empty pending set.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{items: make(map[string]T)}
}

// Add records a mutation under tempID. Replacing an existing mutation keeps
// its place in Keys.
func (p *Pending[T]) Add(tempID string, v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[tempID]; !ok {
		p.order = append(p.order, tempID)
	}
	p.items[tempID] = v
}

// Get returns the pending mutation for tempID.
func (p *Pending[T]) Get(tempID string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.items[tempID]
	return v, ok
}

// Confirm removes tempID after the backend accepted it. It reports whether
// the mutation was still pending.
func (p *Pending[T]) Confirm(tempID string) (T, bool) {
	return p.take(tempID)
}

// Reject removes tempID after the backend refused it and returns the
// mutation so the caller can roll it back.
func (p *Pending[T]) Reject(tempID string) (T, bool) {
	return p.take(tempID)
}

// Len returns the number of unconfirmed mutations.
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Keys returns pending temporary ids in insertion order.
func (p *Pending[T]) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *Pending[T]) take(tempID string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.items[tempID]
	if !ok {
		return v, false
	}
	delete(p.items, tempID)
	for i, id := range p.order {
		if id == tempID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return v, true
}
