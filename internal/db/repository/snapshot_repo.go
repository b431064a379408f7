package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// SnapshotRepository stores global leaderboard snapshots.
type SnapshotRepository struct {
	db DB
}

func NewSnapshotRepository(db DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) InsertLeaderboardSnapshot(ctx context.Context, window string, entries []byte, sourceHash string, generatedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO leaderboard_snapshots (time_window, generated_at, entries, source_hash)
VALUES ($1, $2, $3, $4)`, window, generatedAt, entries, sourceHash)
	return mapErr(err, "insert leaderboard snapshot")
}

// LatestLeaderboardSnapshot returns nil when the window has no snapshot yet.
func (r *SnapshotRepository) LatestLeaderboardSnapshot(ctx context.Context, window string) ([]byte, error) {
	var entries []byte
	err := r.db.QueryRow(ctx, `
SELECT entries FROM leaderboard_snapshots
WHERE time_window = $1
ORDER BY generated_at DESC
LIMIT 1`, window).Scan(&entries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entries, mapErr(err, "latest leaderboard snapshot")
}
