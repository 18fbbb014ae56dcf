package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tourguide.org/internal/obs"
)

// DefaultSweepInterval is how often expired sessions are purged.
const DefaultSweepInterval = 15 * time.Minute

// Sweeper periodically deletes expired sessions and prunes stale permission cache entries.
type Sweeper struct {
	cron     *cron.Cron
	sessions *SessionManager
	cache    *MemoryCache
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the sweep interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepCache prunes expired entries of cache on every sweep.
func WithSweepCache(cache *MemoryCache) SweeperOption {
	return func(s *Sweeper) { s.cache = cache }
}

// WithSweepClock overrides the time source.
func WithSweepClock(fn func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSweepLogger sets the logger.
func WithSweepLogger(log *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSweeper schedules sweeps of sessions. Call Start to begin.
func NewSweeper(sessions *SessionManager, opts ...SweeperOption) (*Sweeper, error) {
	if sessions == nil {
		return nil, errors.New("auth: session manager is required")
	}
	s := &Sweeper{
		sessions: sessions,
		interval: DefaultSweepInterval,
		now:      time.Now,
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelWarn))
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		_, _ = s.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

// Sweep runs one pass and returns how many sessions were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.sessions.SweepExpired(ctx, now)
	if err != nil {
		s.log.Warn("session sweep failed", "error", err)
		return 0, err
	}
	pruned := 0
	if s.cache != nil {
		pruned = s.cache.Prune(now)
	}
	if n > 0 || pruned > 0 {
		s.log.Info("sweep complete", "sessions_removed", n, "cache_entries_pruned", pruned)
	}
	return n, nil
}

// Start begins periodic sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("session sweeper started", "interval", s.interval.String())
}

// Stop halts scheduling and waits for a running sweep until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
