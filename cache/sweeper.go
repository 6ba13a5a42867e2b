package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mpriddy/site-gateway/telemetry"
)

// SweeperConfig holds sweeper configuration.
type SweeperConfig struct {
	// Interval is how often expired entries are purged. Default is 1 hour.
	Interval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// Sweeper periodically purges expired entries from a Store. Expiry is also
// enforced lazily on Get; the sweeper only reclaims space.
type Sweeper struct {
	store  Store
	config SweeperConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		store:  store,
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeps. It is a no-op if already running or
// stopped.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := s.now()
	removed, err := s.store.PurgeExpired(ctx, start)
	if err != nil {
		s.logger.Error("cache sweep failed", "error", err)
		return
	}
	telemetry.RecordCacheSweep(ctx, removed, time.Since(start))
	if removed > 0 {
		s.logger.Info("cache sweep complete",
			"removed", removed,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

// Stop halts background sweeps and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.mu.Unlock()

	close(s.stopCh)
	if wasRunning {
		<-s.doneCh
	}
}
