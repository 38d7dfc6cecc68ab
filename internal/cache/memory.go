package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/kailas-cloud/visidex/internal/domain"
)

// Memory is a bounded in-process LRU cache with per-entry TTL.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type memEntry struct {
	fingerprint string
	hits        []domain.Hit
	expiresAt   time.Time
}

// NewMemory creates an in-memory cache bounded to maxEntries with the given TTL.
// ttl <= 0 disables expiration.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Memory{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached hits for a fingerprint, if present and not expired.
func (m *Memory) Get(_ context.Context, fingerprint string) ([]domain.Hit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[fingerprint]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memEntry)
	if m.ttl > 0 && m.now().After(entry.expiresAt) {
		m.order.Remove(el)
		delete(m.entries, fingerprint)
		return nil, false
	}
	m.order.MoveToFront(el)

	hits := make([]domain.Hit, len(entry.hits))
	copy(hits, entry.hits)
	return hits, true
}

// Set replaces the entry for a fingerprint, evicting the least recently
// used entry when the size bound is exceeded.
func (m *Memory) Set(_ context.Context, fingerprint string, hits []domain.Hit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]domain.Hit, len(hits))
	copy(stored, hits)

	entry := &memEntry{
		fingerprint: fingerprint,
		hits:        stored,
		expiresAt:   m.now().Add(m.ttl),
	}

	if el, ok := m.entries[fingerprint]; ok {
		el.Value = entry
		m.order.MoveToFront(el)
		return
	}

	m.entries[fingerprint] = m.order.PushFront(entry)

	for m.order.Len() > m.maxEntries {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memEntry).fingerprint)
	}
}

// Len returns the number of live entries (expired entries may be counted
// until their next Get).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
