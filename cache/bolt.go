package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	sitegateway "github.com/mpriddy/site-gateway"
)

// bucketEntries holds cached responses keyed by hex-encoded resource key.
var bucketEntries = []byte("entries")

// BoltStore is a bbolt-backed Store. Entries survive process restarts, so a
// warm instance keeps its cache across deploys. Bodies are zstd-compressed
// on disk.
type BoltStore struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	now     func() time.Time
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltLogger sets the logger for the store.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithBoltNow sets the time function for testing.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(s *BoltStore) {
		s.now = now
	}
}

// boltEntry is the on-disk representation of an Entry. Body is
// zstd-compressed before marshaling.
type boltEntry struct {
	Header   http.Header   `json:"header,omitempty"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
	Body     []byte        `json:"body"`
}

// OpenBoltStore opens (or creates) a bbolt-backed store at path.
func OpenBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entries bucket: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &BoltStore{
		db:      db,
		encoder: encoder,
		decoder: decoder,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the entry for key, treating expired entries as absent.
// Expired entries are left for the sweeper; reads stay read-only.
func (s *BoltStore) Get(_ context.Context, key sitegateway.Key) (*Entry, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketEntries).Get([]byte(key.String())); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading entry: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	var stored boltEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decoding entry: %w", err)
	}

	entry := &Entry{
		Key:      key,
		Header:   stored.Header,
		StoredAt: stored.StoredAt,
		TTL:      stored.TTL,
	}
	if entry.Expired(s.now()) {
		return nil, false, nil
	}

	body, err := s.decoder.DecodeAll(stored.Body, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompressing body: %w", err)
	}
	entry.Body = body

	return entry, true, nil
}

// Put stores the entry, superseding any existing entry under the same key.
func (s *BoltStore) Put(_ context.Context, entry *Entry) error {
	stored := boltEntry{
		Header:   entry.Header,
		StoredAt: entry.StoredAt,
		TTL:      entry.TTL,
		Body:     s.encoder.EncodeAll(entry.Body, nil),
	}
	if stored.StoredAt.IsZero() {
		stored.StoredAt = s.now()
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key.String()), raw)
	})
}

// PurgeExpired removes all expired entries.
func (s *BoltStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stored boltEntry
			if err := json.Unmarshal(v, &stored); err != nil {
				s.logger.Warn("removing undecodable cache entry", "key", string(k), "error", err)
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
				continue
			}
			probe := Entry{StoredAt: stored.StoredAt, TTL: stored.TTL}
			if probe.Expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("purging expired entries: %w", err)
	}
	return removed, nil
}

// Close closes the database and releases compression resources.
func (s *BoltStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}
