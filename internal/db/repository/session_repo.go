package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quizarena/live/internal/domain"
)

// SessionRepository stores durable copies of live sessions.
type SessionRepository struct {
	db DB
}

func NewSessionRepository(db DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const upsertSessionSQL = `
INSERT INTO live_sessions (
    session_code, quiz_id, host_id, status, current_question_index, max_participants,
    settings, quiz_metadata, created_at, updated_at, started_at, ended_at, version, synced_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (session_code) DO UPDATE SET
    status = EXCLUDED.status,
    current_question_index = EXCLUDED.current_question_index,
    max_participants = EXCLUDED.max_participants,
    settings = EXCLUDED.settings,
    updated_at = EXCLUDED.updated_at,
    started_at = EXCLUDED.started_at,
    ended_at = EXCLUDED.ended_at,
    version = EXCLUDED.version,
    synced_at = EXCLUDED.synced_at
WHERE live_sessions.version < EXCLUDED.version`

const upsertParticipantSQL = `
INSERT INTO live_session_participants (
    session_code, user_id, display_name, avatar_ref, score, correct_answers,
    incorrect_answers, is_active, joined_at, left_at, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_code, user_id) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    avatar_ref = EXCLUDED.avatar_ref,
    score = EXCLUDED.score,
    correct_answers = EXCLUDED.correct_answers,
    incorrect_answers = EXCLUDED.incorrect_answers,
    is_active = EXCLUDED.is_active,
    left_at = EXCLUDED.left_at,
    version = EXCLUDED.version
WHERE live_session_participants.version < EXCLUDED.version`

const insertAnswerSQL = `
INSERT INTO live_session_answers (
    session_code, user_id, question_id, question_index, selected_answer,
    is_correct, points, time_spent_ms, answered_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (session_code, user_id, question_id) DO NOTHING`

// UpsertSnapshot writes the snapshot in one transaction. Rows already at
// the snapshot's version or newer are left untouched and answers are
// insert-only, so repeating a sync is harmless.
func (r *SessionRepository) UpsertSnapshot(ctx context.Context, snap domain.SessionSnapshot) error {
	s := snap.Session
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(s.QuizMetadata)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return mapErr(err, "begin session sync")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, upsertSessionSQL,
		s.Code, s.QuizID, s.HostID, s.Status, s.CurrentQuestionIndex, s.MaxParticipants,
		settings, meta, s.CreatedAt, s.UpdatedAt, s.StartedAt, s.EndedAt, snap.Version, snap.SyncedAt,
	); err != nil {
		return mapErr(err, "upsert session "+s.Code)
	}

	batch := &pgx.Batch{}
	for _, p := range snap.Participants {
		batch.Queue(upsertParticipantSQL,
			s.Code, p.UserID, p.DisplayName, p.AvatarRef, p.Score, p.CorrectAnswers,
			p.IncorrectAnswers, p.IsActive, p.JoinedAt, p.LeftAt, snap.Version)
	}
	for _, a := range snap.Answers {
		batch.Queue(insertAnswerSQL,
			s.Code, a.UserID, a.QuestionID, a.QuestionIndex, a.SelectedAnswer,
			a.IsCorrect, a.Points, a.TimeSpentMs, a.AnsweredAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapErr(err, "sync session rows "+s.Code)
		}
	}

	return mapErr(tx.Commit(ctx), "commit session sync")
}

// GetSnapshot loads the durable copy of a session.
func (r *SessionRepository) GetSnapshot(ctx context.Context, code string) (*domain.SessionSnapshot, error) {
	snap := &domain.SessionSnapshot{}
	s := &snap.Session
	var settings, meta []byte
	err := r.db.QueryRow(ctx, `
SELECT session_code, quiz_id, host_id, status, current_question_index, max_participants,
       settings, quiz_metadata, created_at, updated_at, started_at, ended_at, version, synced_at
FROM live_sessions WHERE session_code = $1`, code).Scan(
		&s.Code, &s.QuizID, &s.HostID, &s.Status, &s.CurrentQuestionIndex, &s.MaxParticipants,
		&settings, &meta, &s.CreatedAt, &s.UpdatedAt, &s.StartedAt, &s.EndedAt, &snap.Version, &snap.SyncedAt,
	)
	if err != nil {
		return nil, mapErr(err, "session "+code)
	}
	if err := json.Unmarshal(settings, &s.Settings); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &s.QuizMetadata); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
SELECT user_id, display_name, avatar_ref, score, correct_answers, incorrect_answers, is_active, joined_at, left_at
FROM live_session_participants WHERE session_code = $1 ORDER BY score DESC, joined_at`, code)
	if err != nil {
		return nil, mapErr(err, "session participants "+code)
	}
	snap.Participants, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Participant, error) {
		var p domain.Participant
		err := row.Scan(&p.UserID, &p.DisplayName, &p.AvatarRef, &p.Score, &p.CorrectAnswers,
			&p.IncorrectAnswers, &p.IsActive, &p.JoinedAt, &p.LeftAt)
		return p, err
	})
	if err != nil {
		return nil, mapErr(err, "scan participants "+code)
	}

	rows, err = r.db.Query(ctx, `
SELECT user_id, question_id, question_index, selected_answer, is_correct, points, time_spent_ms, answered_at
FROM live_session_answers WHERE session_code = $1 ORDER BY answered_at`, code)
	if err != nil {
		return nil, mapErr(err, "session answers "+code)
	}
	snap.Answers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AnswerRecord, error) {
		var a domain.AnswerRecord
		err := row.Scan(&a.UserID, &a.QuestionID, &a.QuestionIndex, &a.SelectedAnswer, &a.IsCorrect,
			&a.Points, &a.TimeSpentMs, &a.AnsweredAt)
		return a, err
	})
	if err != nil {
		return nil, mapErr(err, "scan answers "+code)
	}
	return snap, nil
}

// DeleteCompletedBefore purges terminal sessions that ended before cutoff.
func (r *SessionRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
DELETE FROM live_sessions
WHERE status IN ('completed', 'cancelled') AND COALESCE(ended_at, updated_at) < $1`, cutoff)
	if err != nil {
		return 0, mapErr(err, "purge sessions")
	}
	return tag.RowsAffected(), nil
}
