package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCall tracks one request awaiting its answer.
type PendingCall[T any] struct {
	ID       string
	Target   string
	Action   string
	QueuedAt time.Time
	Deadline time.Time
	Value    T
}

// PendingCalls maps correlation ids to waiting callers. Every id leaves the
// table exactly once, through Resolve, Remove, Expire or Drain.
type PendingCalls[T any] struct {
	mu    sync.RWMutex
	items map[string]PendingCall[T]
}

func NewPendingCalls[T any]() *PendingCalls[T] {
	return &PendingCalls[T]{items: make(map[string]PendingCall[T])}
}

// Add registers item. It reports false when the id is empty or already in use.
func (p *PendingCalls[T]) Add(item PendingCall[T]) bool {
	key := strings.TrimSpace(item.ID)
	if key == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[key]; exists {
		return false
	}
	item.ID = key
	p.items[key] = item
	return true
}

// Resolve retires id and returns its entry.
func (p *PendingCalls[T]) Resolve(id string) (PendingCall[T], bool) {
	key := strings.TrimSpace(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	return item, ok
}

func (p *PendingCalls[T]) Remove(id string) {
	_, _ = p.Resolve(id)
}

func (p *PendingCalls[T]) Get(id string) (PendingCall[T], bool) {
	key := strings.TrimSpace(id)
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[key]
	return item, ok
}

func (p *PendingCalls[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Expire retires and returns every entry whose deadline is before now.
// Entries without a deadline never expire.
func (p *PendingCalls[T]) Expire(now time.Time) []PendingCall[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingCall[T]
	for key, item := range p.items {
		if !item.Deadline.IsZero() && item.Deadline.Before(now) {
			out = append(out, item)
			delete(p.items, key)
		}
	}
	sortCalls(out)
	return out
}

// Drain retires and returns every entry.
func (p *PendingCalls[T]) Drain() []PendingCall[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall[T], 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	p.items = make(map[string]PendingCall[T])
	sortCalls(out)
	return out
}

func (p *PendingCalls[T]) List() []PendingCall[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingCall[T], 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sortCalls(out)
	return out
}

func sortCalls[T any](items []PendingCall[T]) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
}
