package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/leaderboard"
	"github.com/quizarena/live/internal/quiz"
)

// State reads and writes a session's ephemeral records. It holds no session
// data itself; every call goes to the store.
type State struct {
	store  *ephemeral.Store
	board  *leaderboard.Engine
	ttl    time.Duration
	logger zerolog.Logger
}

func NewState(store *ephemeral.Store, board *leaderboard.Engine, ttl time.Duration, logger zerolog.Logger) *State {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &State{
		store:  store,
		board:  board,
		ttl:    ttl,
		logger: logger.With().Str("component", "session_state").Logger(),
	}
}

func (s *State) key(code string, suffix ...string) string {
	return s.store.Key(domain.SessionKey(code, suffix...)...)
}

func (s *State) sessionKey(code string) string      { return s.key(code) }
func (s *State) quizKey(code string) string         { return s.key(code, "quiz") }
func (s *State) participantsKey(code string) string { return s.key(code, "participants") }
func (s *State) countersKey(code string) string     { return s.key(code, "counters") }
func (s *State) answersKey(code string) string      { return s.key(code, "answers") }
func (s *State) answeredKey(code string) string     { return s.key(code, "answered") }
func (s *State) revKey(code string) string          { return s.key(code, "rev") }
func (s *State) activeKey() string                  { return s.store.Key(domain.ActiveSessionsKey) }

func (s *State) allKeys(code string) []string {
	keys := []string{
		s.sessionKey(code), s.quizKey(code), s.participantsKey(code), s.countersKey(code),
		s.answersKey(code), s.answeredKey(code), s.revKey(code),
	}
	return append(keys, s.board.Keys(code)...)
}

// Session loads the session record.
func (s *State) Session(ctx context.Context, code string) (*domain.Session, error) {
	var sess domain.Session
	if err := s.store.Get(ctx, s.sessionKey(code), &sess); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, code)
		}
		return nil, err
	}
	return &sess, nil
}

// Quiz loads the quiz snapshot taken at creation.
func (s *State) Quiz(ctx context.Context, code string) (*quiz.Quiz, error) {
	var q quiz.Quiz
	if err := s.store.Get(ctx, s.quizKey(code), &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// mutate applies fn to the session under optimistic concurrency. The
// revision is bumped in the same transaction when the record changed.
// changed is false when fn skipped.
func (s *State) mutate(ctx context.Context, code string, fn func(sess *domain.Session) error) (sess *domain.Session, changed bool, err error) {
	sess, err = ephemeral.UpdateJSONVersioned(ctx, s.store, s.sessionKey(code), s.revKey(code), s.ttl, func(cur *domain.Session) error {
		changed = false
		if err := fn(cur); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: session %s", domain.ErrNotFound, code)
		}
		return nil, false, err
	}
	if changed {
		s.touch(ctx, code)
	}
	return sess, changed, nil
}

// touch refreshes the TTL of every session key. A failure is only logged:
// the write it follows has committed and the next write refreshes again.
func (s *State) touch(ctx context.Context, code string) {
	if err := s.store.Expire(ctx, s.ttl, s.allKeys(code)...); err != nil {
		s.logger.Warn().Err(err).Str("session_code", code).Msg("ttl refresh failed")
	}
}

// bump advances the revision and refreshes the TTL of every session key.
func (s *State) bump(ctx context.Context, code string) error {
	if _, err := s.store.Incr(ctx, s.revKey(code), s.ttl); err != nil {
		return err
	}
	s.touch(ctx, code)
	return nil
}

// recordAnswer stores rec, counts it and adds points to the user's score in
// one atomic step. A repeated answer yields domain.ErrConflict and changes nothing.
func (s *State) recordAnswer(ctx context.Context, code string, rec domain.AnswerRecord) (int64, error) {
	score, err := s.store.ApplyScoreOnce(ctx, ephemeral.ScoreOnce{
		GuardKey:     s.answeredKey(code),
		GuardMember:  rec.UserID + "|" + rec.QuestionID,
		LogKey:       s.answersKey(code),
		LogEntry:     rec,
		CounterKey:   s.countersKey(code),
		CounterField: counterField(rec.UserID, rec.IsCorrect),
		RankedKey:    s.board.Key(code),
		Member:       rec.UserID,
		Delta:        int64(rec.Points),
		RevKey:       s.revKey(code),
		TTL:          s.ttl,
	})
	if errors.Is(err, ephemeral.ErrAlreadyScored) {
		return 0, fmt.Errorf("%w: question %s already answered", domain.ErrConflict, rec.QuestionID)
	}
	if err != nil {
		return 0, err
	}
	s.touch(ctx, code)
	return score, nil
}

// Version returns the session revision.
func (s *State) Version(ctx context.Context, code string) (int64, error) {
	return s.store.GetInt(ctx, s.revKey(code))
}

func (s *State) participant(ctx context.Context, code, userID string) (*domain.Participant, error) {
	var p domain.Participant
	if err := s.store.HashGet(ctx, s.participantsKey(code), userID, &p); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not a participant of %s", domain.ErrForbidden, userID, code)
		}
		return nil, err
	}
	return &p, nil
}

// Participants returns every participant with live score and counters,
// ordered by join time.
func (s *State) Participants(ctx context.Context, code string) ([]domain.Participant, error) {
	raw, err := s.store.HashGetAll(ctx, s.participantsKey(code))
	if err != nil {
		return nil, err
	}
	counters, err := s.store.HashGetAll(ctx, s.countersKey(code))
	if err != nil {
		return nil, err
	}
	scores, err := s.board.Scores(ctx, code)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Participant, 0, len(raw))
	for uid, blob := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("decode participant %s: %w", uid, err)
		}
		p.Score = scores[uid]
		p.CorrectAnswers = atoi(counters[counterField(uid, true)])
		p.IncorrectAnswers = atoi(counters[counterField(uid, false)])
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// Answers returns the append-only answer log.
func (s *State) Answers(ctx context.Context, code string) ([]domain.AnswerRecord, error) {
	raw, err := s.store.ListRange(ctx, s.answersKey(code))
	if err != nil {
		return nil, err
	}
	out := make([]domain.AnswerRecord, 0, len(raw))
	for _, blob := range raw {
		var a domain.AnswerRecord
		if err := json.Unmarshal([]byte(blob), &a); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// snapshotReads bounds how often Snapshot rereads when writes keep landing.
const snapshotReads = 5

// Snapshot reads the full session for the durable store. The revision is
// read before and after the data; the snapshot is returned only when both
// agree, so two snapshots with the same version carry the same data.
func (s *State) Snapshot(ctx context.Context, code string) (*domain.SessionSnapshot, error) {
	for attempt := 0; attempt < snapshotReads; attempt++ {
		before, err := s.Version(ctx, code)
		if err != nil {
			return nil, err
		}
		snap, err := s.readSnapshot(ctx, code)
		if err != nil {
			return nil, err
		}
		after, err := s.Version(ctx, code)
		if err != nil {
			return nil, err
		}
		if before == after {
			snap.Version = after
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: session %s kept changing during snapshot", domain.ErrUnavailable, code)
}

func (s *State) readSnapshot(ctx context.Context, code string) (*domain.SessionSnapshot, error) {
	sess, err := s.Session(ctx, code)
	if err != nil {
		return nil, err
	}
	participants, err := s.Participants(ctx, code)
	if err != nil {
		return nil, err
	}
	answers, err := s.Answers(ctx, code)
	if err != nil {
		return nil, err
	}
	return &domain.SessionSnapshot{
		Session:      *sess,
		Participants: participants,
		Answers:      answers,
		SyncedAt:     time.Now().UTC(),
	}, nil
}

// ActiveCodes lists sessions that have not reached a terminal state.
func (s *State) ActiveCodes(ctx context.Context) ([]string, error) {
	codes, err := s.store.SetMembers(ctx, s.activeKey())
	if err != nil {
		return nil, err
	}
	sort.Strings(codes)
	return codes, nil
}

// Forget drops code from the active index.
func (s *State) Forget(ctx context.Context, code string) error {
	return s.store.SetRemove(ctx, s.activeKey(), code)
}

func counterField(userID string, correct bool) string {
	if correct {
		return userID + ":correct"
	}
	return userID + ":incorrect"
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

// codeFromRoom extracts the session code from a session room name.
func codeFromRoom(room string) (string, bool) {
	const prefix = "session:"
	if !strings.HasPrefix(room, prefix) {
		return "", false
	}
	return strings.TrimPrefix(room, prefix), true
}
