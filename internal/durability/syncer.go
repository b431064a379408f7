// Package durability copies live session state to the durable store.
package durability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/metrics"
)

// Source reads sessions out of the ephemeral store.
type Source interface {
	Snapshot(ctx context.Context, code string) (*domain.SessionSnapshot, error)
	ActiveCodes(ctx context.Context) ([]string, error)
	Forget(ctx context.Context, code string) error
}

// Repository is the durable side. Upserts must be idempotent and keep the
// newer version when two writers race.
type Repository interface {
	UpsertSnapshot(ctx context.Context, snap domain.SessionSnapshot) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tunes the sweep.
type Options struct {
	Interval    time.Duration
	Concurrency int
	Retention   time.Duration
	PurgeEvery  time.Duration
}

// Syncer writes session snapshots on a timer and on demand.
type Syncer struct {
	source Source
	repo   Repository
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastPurge time.Time
}

func NewSyncer(source Source, repo Repository, opts Options, logger zerolog.Logger) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.PurgeEvery <= 0 {
		opts.PurgeEvery = time.Hour
	}
	return &Syncer{
		source: source,
		repo:   repo,
		opts:   opts,
		logger: logger.With().Str("component", "durability").Logger(),
		now:    time.Now,
	}
}

// SyncSession snapshots one session. Safe to call repeatedly and concurrently.
func (s *Syncer) SyncSession(ctx context.Context, code string) error {
	start := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	snap, err := s.source.Snapshot(ctx, code)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			metrics.SyncFailures.Inc()
		}
		return err
	}
	if err := s.repo.UpsertSnapshot(ctx, *snap); err != nil {
		metrics.SyncFailures.Inc()
		return err
	}
	s.logger.Debug().
		Str("session_code", code).
		Int64("version", snap.Version).
		Int("participants", len(snap.Participants)).
		Int("answers", len(snap.Answers)).
		Msg("session synced")
	return nil
}

// Sweep syncs every active session with bounded concurrency. Individual
// failures are logged; the sweep itself only fails when the index is unreadable.
func (s *Syncer) Sweep(ctx context.Context) (int, error) {
	codes, err := s.source.ActiveCodes(ctx)
	if err != nil {
		return 0, err
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		synced int
	)
	g.SetLimit(s.opts.Concurrency)
	for _, code := range codes {
		code := code
		g.Go(func() error {
			err := s.SyncSession(ctx, code)
			switch {
			case err == nil:
				mu.Lock()
				synced++
				mu.Unlock()
			case errors.Is(err, domain.ErrNotFound):
				// expired by TTL
				if ferr := s.source.Forget(ctx, code); ferr != nil {
					s.logger.Warn().Err(ferr).Str("session_code", code).Msg("active index cleanup failed")
				}
			default:
				s.logger.Warn().Err(err).Str("session_code", code).Msg("session sync failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return synced, nil
}

// Purge deletes completed sessions older than the retention window.
func (s *Syncer) Purge(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.Retention)
	n, err := s.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("purged old sessions")
	}
	return n, nil
}

// Tick runs one sweep and, when due, one purge.
func (s *Syncer) Tick(ctx context.Context) {
	if n, err := s.Sweep(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("sync sweep failed")
	} else if n > 0 {
		s.logger.Debug().Int("sessions", n).Msg("sync sweep done")
	}

	s.mu.Lock()
	due := s.now().Sub(s.lastPurge) >= s.opts.PurgeEvery
	if due {
		s.lastPurge = s.now()
	}
	s.mu.Unlock()
	if due {
		if _, err := s.Purge(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("retention purge failed")
		}
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.opts.Interval).Int("concurrency", s.opts.Concurrency).Msg("durability sync started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
