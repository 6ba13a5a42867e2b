// Package cache implements the edge cache: a key-value store of complete
// HTTP responses keyed by resource identity, with explicit TTLs.
package cache

import (
	"context"
	"net/http"
	"time"

	sitegateway "github.com/mpriddy/site-gateway"
)

// DefaultTTL is the time-to-live applied to entries stored without an
// explicit TTL.
const DefaultTTL = 24 * time.Hour

// Entry is a complete cached HTTP response. Entries are created on first
// miss and superseded whole, never merged, on re-fetch after expiry.
type Entry struct {
	Key      sitegateway.Key
	Body     []byte
	Header   http.Header
	StoredAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns the instant the entry stops being servable.
func (e *Entry) ExpiresAt() time.Time {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return e.StoredAt.Add(ttl)
}

// Expired reports whether the entry has passed its TTL at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Store is the edge cache storage contract. Get must treat expired entries
// as absent; Put supersedes any existing entry under the same key.
type Store interface {
	Get(ctx context.Context, key sitegateway.Key) (*Entry, bool, error)
	Put(ctx context.Context, entry *Entry) error

	// PurgeExpired removes entries whose TTL has elapsed and returns how
	// many were removed. The sweeper calls this periodically.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
