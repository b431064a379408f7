package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quizarena/live/internal/domain"
)

// DuelRepository persists duel matches. Claim and Update are the only
// writers after creation, each guarded at the row level.
type DuelRepository struct {
	db DB
}

func NewDuelRepository(db DB) *DuelRepository {
	return &DuelRepository{db: db}
}

const duelColumns = `match_id, quiz_id, status, player1, player2, winner,
    time_per_question, total_questions, created_at, updated_at, started_at, completed_at`

func scanMatch(row pgx.Row) (*domain.DuelMatch, error) {
	var (
		m      domain.DuelMatch
		p1, p2 []byte
	)
	if err := row.Scan(&m.ID, &m.QuizID, &m.Status, &p1, &p2, &m.Winner,
		&m.TimePerQuestion, &m.TotalQuestions, &m.CreatedAt, &m.UpdatedAt, &m.StartedAt, &m.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(p1, &m.Player1); err != nil {
		return nil, fmt.Errorf("decode player1: %w", err)
	}
	if len(p2) > 0 {
		var p domain.DuelPlayer
		if err := json.Unmarshal(p2, &p); err != nil {
			return nil, fmt.Errorf("decode player2: %w", err)
		}
		m.Player2 = &p
	}
	return &m, nil
}

func playerJSON(p *domain.DuelPlayer) ([]byte, *string, error) {
	if p == nil {
		return nil, nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	uid := p.UserID
	return raw, &uid, nil
}

// Create inserts a new match.
func (r *DuelRepository) Create(ctx context.Context, m *domain.DuelMatch) error {
	p1, _, err := playerJSON(&m.Player1)
	if err != nil {
		return err
	}
	p2, p2ID, err := playerJSON(m.Player2)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO duel_matches (match_id, quiz_id, status, player1, player2, player1_user_id, player2_user_id,
    winner, time_per_question, total_questions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.QuizID, m.Status, p1, p2, m.Player1.UserID, p2ID,
		m.Winner, m.TimePerQuestion, m.TotalQuestions, m.CreatedAt, m.UpdatedAt)
	return mapErr(err, "create match "+m.ID)
}

// Get loads a match by id.
func (r *DuelRepository) Get(ctx context.Context, id string) (*domain.DuelMatch, error) {
	m, err := scanMatch(r.db.QueryRow(ctx, `SELECT `+duelColumns+` FROM duel_matches WHERE match_id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "match "+id)
	}
	return m, nil
}

// FindOldestWaiting returns the oldest unclaimed match for quizID not
// created by excludeUserID.
func (r *DuelRepository) FindOldestWaiting(ctx context.Context, quizID, excludeUserID string) (*domain.DuelMatch, error) {
	m, err := scanMatch(r.db.QueryRow(ctx, `
SELECT `+duelColumns+` FROM duel_matches
WHERE quiz_id = $1 AND status = 'waiting' AND player2 IS NULL AND player1_user_id <> $2
ORDER BY created_at
LIMIT 1`, quizID, excludeUserID))
	if err != nil {
		return nil, mapErr(err, "waiting match for quiz "+quizID)
	}
	return m, nil
}

// Claim sets player2 only if the match is still waiting and unclaimed.
// A lost race reports domain.ErrConflict.
func (r *DuelRepository) Claim(ctx context.Context, id string, p2 domain.DuelPlayer) (*domain.DuelMatch, error) {
	raw, uid, err := playerJSON(&p2)
	if err != nil {
		return nil, err
	}
	tag, err := r.db.Exec(ctx, `
UPDATE duel_matches
SET player2 = $2, player2_user_id = $3, status = 'ready', updated_at = now()
WHERE match_id = $1 AND status = 'waiting' AND player2 IS NULL`, id, raw, uid)
	if err != nil {
		return nil, mapErr(err, "claim match "+id)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: match %s already claimed", domain.ErrConflict, id)
	}
	return r.Get(ctx, id)
}

// Update applies fn to the match under a row lock and writes the result.
// An error from fn aborts without writing.
func (r *DuelRepository) Update(ctx context.Context, id string, fn func(m *domain.DuelMatch) error) (*domain.DuelMatch, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, mapErr(err, "begin match update")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	m, err := scanMatch(tx.QueryRow(ctx, `SELECT `+duelColumns+` FROM duel_matches WHERE match_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err, "match "+id)
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	m.UpdatedAt = time.Now().UTC()

	p1, _, err := playerJSON(&m.Player1)
	if err != nil {
		return nil, err
	}
	p2, p2ID, err := playerJSON(m.Player2)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE duel_matches
SET status = $2, player1 = $3, player2 = $4, player2_user_id = $5, winner = $6,
    updated_at = $7, started_at = $8, completed_at = $9
WHERE match_id = $1`,
		id, m.Status, p1, p2, p2ID, m.Winner, m.UpdatedAt, m.StartedAt, m.CompletedAt); err != nil {
		return nil, mapErr(err, "update match "+id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr(err, "commit match update")
	}
	return m, nil
}

// DeleteIfWaiting removes the match only while it is still unclaimed.
func (r *DuelRepository) DeleteIfWaiting(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM duel_matches WHERE match_id = $1 AND status = 'waiting' AND player2 IS NULL`, id)
	if err != nil {
		return false, mapErr(err, "delete match "+id)
	}
	return tag.RowsAffected() > 0, nil
}

// FindOpenByUser lists waiting, ready and active matches the user plays in.
func (r *DuelRepository) FindOpenByUser(ctx context.Context, userID string) ([]*domain.DuelMatch, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+duelColumns+` FROM duel_matches
WHERE status IN ('waiting', 'ready', 'active') AND (player1_user_id = $1 OR player2_user_id = $1)
ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapErr(err, "open matches for "+userID)
	}
	defer rows.Close()

	var out []*domain.DuelMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err(), "open matches for "+userID)
}

// DeleteStale removes waiting or cancelled matches untouched since before.
func (r *DuelRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
DELETE FROM duel_matches WHERE status IN ('waiting', 'cancelled') AND updated_at < $1`, before)
	if err != nil {
		return 0, mapErr(err, "delete stale matches")
	}
	return tag.RowsAffected(), nil
}
