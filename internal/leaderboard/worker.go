package leaderboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotStore persists global leaderboard snapshots.
type SnapshotStore interface {
	InsertLeaderboardSnapshot(ctx context.Context, window string, entries []byte, sourceHash string, generatedAt time.Time) error
	LatestLeaderboardSnapshot(ctx context.Context, window string) ([]byte, error)
}

// SnapshotWorker periodically copies the global windows into the durable store
// so reads survive a Redis flush.
type SnapshotWorker struct {
	windows  *Windows
	store    SnapshotStore
	logger   zerolog.Logger
	interval time.Duration
	topN     int
	last     map[string]string
}

func NewSnapshotWorker(windows *Windows, store SnapshotStore, interval time.Duration, topN int, logger zerolog.Logger) *SnapshotWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if topN <= 0 {
		topN = 50
	}
	return &SnapshotWorker{
		windows:  windows,
		store:    store,
		logger:   logger.With().Str("component", "leaderboard_snapshot_worker").Logger(),
		interval: interval,
		topN:     topN,
		last:     make(map[string]string),
	}
}

// Run blocks until context cancellation.
func (w *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

func (w *SnapshotWorker) Tick(ctx context.Context) {
	for _, window := range defaultWindows {
		if err := w.snapshotWindow(ctx, window); err != nil {
			w.logger.Warn().Err(err).Str("window", window).Msg("snapshot failed")
		}
	}
}

func (w *SnapshotWorker) snapshotWindow(ctx context.Context, window string) error {
	entries, err := w.windows.Top(ctx, window, w.topN)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	// unchanged since the last tick
	if w.last[window] == hash {
		return nil
	}

	now := time.Now().UTC()
	if err := w.store.InsertLeaderboardSnapshot(ctx, window, data, hash, now); err != nil {
		return err
	}
	w.last[window] = hash

	w.logger.Debug().
		Str("window", window).
		Int("entries", len(entries)).
		Time("generated_at", now).
		Msg("leaderboard snapshot persisted")
	return nil
}
