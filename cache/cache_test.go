package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sitegateway "github.com/mpriddy/site-gateway"
)

func testEntry(url string, body string, ttl time.Duration) *Entry {
	return &Entry{
		Key:      sitegateway.ResourceKey(url),
		Body:     []byte(body),
		Header:   http.Header{"Content-Type": {"image/png"}},
		StoredAt: time.Now(),
		TTL:      ttl,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	boltPath := filepath.Join(t.TempDir(), "cache.db")
	bolt, err := OpenBoltStore(boltPath)
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, s.Close()) }()
			ctx := context.Background()

			entry := testEntry("https://example.com/a.png", "png bytes", time.Hour)

			_, ok, err := s.Get(ctx, entry.Key)
			require.NoError(t, err)
			require.False(t, ok, "fresh store must miss")

			require.NoError(t, s.Put(ctx, entry))

			got, ok, err := s.Get(ctx, entry.Key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, entry.Body, got.Body, "body must round-trip byte-identical")
			require.Equal(t, "image/png", got.Header.Get("Content-Type"))
			require.Equal(t, entry.TTL, got.TTL)
		})
	}
}

func TestStoreSupersedesOnPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := testEntry("https://example.com/a", "old", time.Hour)
	require.NoError(t, s.Put(ctx, first))

	second := testEntry("https://example.com/a", "new", time.Hour)
	second.Header = http.Header{"X-Version": {"2"}}
	require.NoError(t, s.Put(ctx, second))

	got, ok, err := s.Get(ctx, first.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), got.Body)
	require.Empty(t, got.Header.Get("Content-Type"), "entries are superseded, not merged")
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(WithMemoryNow(func() time.Time { return now }))
	ctx := context.Background()

	entry := testEntry("https://example.com/a", "body", time.Hour)
	entry.StoredAt = now
	require.NoError(t, s.Put(ctx, entry))

	_, ok, err := s.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Hour)

	_, ok, err = s.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.False(t, ok, "expired entry must read as absent")
	require.Equal(t, 0, s.Len(), "lazy expiry removes the entry")
}

func TestBoltStoreExpiry(t *testing.T) {
	now := time.Now()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "cache.db"),
		WithBoltNow(func() time.Time { return now }))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	entry := testEntry("https://example.com/a", "body", time.Minute)
	entry.StoredAt = now
	require.NoError(t, s.Put(ctx, entry))

	now = now.Add(2 * time.Minute)

	_, ok, err := s.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	entry := testEntry("https://example.com/persist", "durable", time.Hour)
	require.NoError(t, s.Put(ctx, entry))
	require.NoError(t, s.Close())

	reopened, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	got, ok, err := reopened.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("durable"), got.Body)
}

func TestPurgeExpired(t *testing.T) {
	boltStore, err := OpenBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   boltStore,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, s.Close()) }()
			ctx := context.Background()

			fresh := testEntry("https://example.com/fresh", "a", time.Hour)
			stale := testEntry("https://example.com/stale", "b", time.Minute)
			stale.StoredAt = time.Now().Add(-time.Hour)

			require.NoError(t, s.Put(ctx, fresh))
			require.NoError(t, s.Put(ctx, stale))

			removed, err := s.PurgeExpired(ctx, time.Now())
			require.NoError(t, err)
			require.Equal(t, 1, removed)

			_, ok, err := s.Get(ctx, fresh.Key)
			require.NoError(t, err)
			require.True(t, ok, "fresh entry must survive the purge")
		})
	}
}

func TestDefaultTTL(t *testing.T) {
	e := &Entry{StoredAt: time.Now()}
	require.False(t, e.Expired(time.Now().Add(23*time.Hour)))
	require.True(t, e.Expired(time.Now().Add(25*time.Hour)))
}

func TestSweeperPurges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stale := testEntry("https://example.com/stale", "b", time.Minute)
	stale.StoredAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Put(ctx, stale))

	sw := NewSweeper(s, SweeperConfig{Interval: 10 * time.Millisecond})
	sw.Start(ctx)

	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, time.Second, 5*time.Millisecond)

	sw.Stop()
	// Stop again is a no-op.
	sw.Stop()
}

func TestSweeperStopBeforeStart(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), SweeperConfig{})
	sw.Stop()
	// Start after Stop must not spin up the loop.
	sw.Start(context.Background())
}
