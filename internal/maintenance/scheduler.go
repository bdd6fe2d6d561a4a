// Package maintenance runs the periodic background jobs of the server.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ConnectionReaper evicts idle tenant partition connections.
type ConnectionReaper interface {
	Reap(now time.Time) int
}

// GrantSweeper deactivates expired module grants.
type GrantSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// ChainAnchorer publishes audit chain heads to external storage.
type ChainAnchorer interface {
	PublishAll(ctx context.Context) (int, error)
}

// Config holds the job schedules in standard cron syntax or descriptors
// such as "@every 1m". An empty schedule disables the job.
type Config struct {
	ReapSchedule   string
	SweepSchedule  string
	AnchorSchedule string
	// JobTimeout bounds a single sweep or anchoring run.
	JobTimeout time.Duration
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		ReapSchedule:   "@every 1m",
		SweepSchedule:  "5 * * * *",
		AnchorSchedule: "*/15 * * * *",
		JobTimeout:     5 * time.Minute,
	}
}

// Scheduler runs the connection reaper, the grant expiry sweep and chain
// anchoring on cron schedules. A run that is still going when its next
// tick arrives causes that tick to be skipped.
type Scheduler struct {
	reaper   ConnectionReaper
	sweeper  GrantSweeper
	anchorer ChainAnchorer
	cfg      Config
	cron     *cron.Cron
	now      func() time.Time
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates a Scheduler. Any of reaper, sweeper and anchorer may
// be nil, which disables the corresponding job.
func NewScheduler(reaper ConnectionReaper, sweeper GrantSweeper, anchorer ChainAnchorer, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Scheduler{
		reaper:   reaper,
		sweeper:  sweeper,
		anchorer: anchorer,
		cfg:      cfg,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		now:    time.Now,
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the enabled jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	jobs := []struct {
		name     string
		schedule string
		enabled  bool
		run      func()
	}{
		{"reap_connections", s.cfg.ReapSchedule, s.reaper != nil, s.runReap},
		{"expire_grants", s.cfg.SweepSchedule, s.sweeper != nil, s.runSweep},
		{"anchor_chains", s.cfg.AnchorSchedule, s.anchorer != nil, s.runAnchor},
	}

	for _, job := range jobs {
		if !job.enabled || job.schedule == "" {
			s.logger.Debug().Str("job", job.name).Msg("maintenance job disabled")
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
		s.logger.Info().
			Str("job", job.name).
			Str("schedule", job.schedule).
			Msg("maintenance job scheduled")
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance scheduler")
	return s.cron.Stop()
}

// RunNow runs every enabled job once, synchronously.
func (s *Scheduler) RunNow() {
	if s.reaper != nil {
		s.runReap()
	}
	if s.sweeper != nil {
		s.runSweep()
	}
	if s.anchorer != nil {
		s.runAnchor()
	}
}

func (s *Scheduler) runReap() {
	if n := s.reaper.Reap(s.now()); n > 0 {
		s.logger.Debug().Int("evicted", n).Msg("idle tenant connections reaped")
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	n, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int64("deactivated", n).Msg("grant expiry sweep failed")
		return
	}
	s.logger.Info().Int64("deactivated", n).Msg("grant expiry sweep completed")
}

func (s *Scheduler) runAnchor() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	n, err := s.anchorer.PublishAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("anchored", n).Msg("chain anchoring failed")
		return
	}
	s.logger.Info().Int("anchored", n).Msg("chain anchoring completed")
}
