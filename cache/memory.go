package cache

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	sitegateway "github.com/mpriddy/site-gateway"
)

// MemoryStore is an in-process Store. It is the cold-start-friendly default:
// a fresh instance simply starts with an empty cache.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[sitegateway.Key]*Entry
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow sets the time function for testing.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[sitegateway.Key]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key, treating expired entries as absent.
func (s *MemoryStore) Get(_ context.Context, key sitegateway.Key) (*Entry, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if entry.Expired(s.now()) {
		s.mu.Lock()
		// Re-check under the write lock; a Put may have superseded it.
		if cur, ok := s.entries[key]; ok && cur.Expired(s.now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return copyEntry(entry), true, nil
}

// Put stores the entry, superseding any existing entry under the same key.
func (s *MemoryStore) Put(_ context.Context, entry *Entry) error {
	stored := copyEntry(entry)
	if stored.StoredAt.IsZero() {
		stored.StoredAt = s.now()
	}

	s.mu.Lock()
	s.entries[entry.Key] = stored
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes all expired entries.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// copyEntry clones an entry so callers cannot mutate stored state.
func copyEntry(e *Entry) *Entry {
	body := make([]byte, len(e.Body))
	copy(body, e.Body)

	header := make(http.Header, len(e.Header))
	for k, v := range e.Header {
		header[k] = slices.Clone(v)
	}

	return &Entry{
		Key:      e.Key,
		Body:     body,
		Header:   header,
		StoredAt: e.StoredAt,
		TTL:      e.TTL,
	}
}
