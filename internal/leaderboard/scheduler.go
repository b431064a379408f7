package leaderboard

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/metrics"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/pkg/http/ws"
)

// Scheduler coalesces score changes into periodic leaderboard broadcasts.
// The dirty set lives in the ephemeral store, so any instance can mark a
// session and whichever instance drains it broadcasts once per tick.
type Scheduler struct {
	store    *ephemeral.Store
	engine   *Engine
	emitter  realtime.Emitter
	interval time.Duration
	topN     int
	logger   zerolog.Logger
}

func NewScheduler(store *ephemeral.Store, engine *Engine, emitter realtime.Emitter, interval time.Duration, topN int, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if topN <= 0 {
		topN = 10
	}
	return &Scheduler{
		store:    store,
		engine:   engine,
		emitter:  emitter,
		interval: interval,
		topN:     topN,
		logger:   logger.With().Str("component", "broadcast_scheduler").Logger(),
	}
}

func (s *Scheduler) dirtyKey() string { return s.store.Key(domain.DirtySessionsKey) }

// MarkDirty queues a leaderboard broadcast for the session.
func (s *Scheduler) MarkDirty(ctx context.Context, code string) error {
	_, err := s.store.SetAdd(ctx, s.dirtyKey(), code, 0)
	return err
}

// Run blocks until context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush drains the dirty set and broadcasts each session's top entries.
// It returns the number of broadcasts sent.
func (s *Scheduler) Flush(ctx context.Context) int {
	codes, err := s.store.SetDrain(ctx, s.dirtyKey())
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to drain dirty sessions")
		return 0
	}

	sent := 0
	for _, code := range codes {
		ok, err := s.broadcast(ctx, code)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_code", code).Msg("leaderboard broadcast failed")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

func (s *Scheduler) broadcast(ctx context.Context, code string) (bool, error) {
	var sess domain.Session
	if err := s.store.Get(ctx, s.store.Key(domain.SessionKey(code)...), &sess); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !sess.Settings.ShowLeaderboard || sess.IsTerminal() {
		return false, nil
	}

	top, err := s.engine.Top(ctx, code, s.topN)
	if err != nil {
		return false, err
	}
	if err := realtime.Emit(ctx, s.emitter, realtime.SessionRoom(code), ws.TypeLeaderboardUpdated, ws.LeaderboardUpdatedPayload{
		SessionCode: code,
		Leaderboard: ToWS(top),
	}); err != nil {
		return false, err
	}
	metrics.BroadcastsSent.Inc()
	return true, nil
}
