// Package duel pairs players into 1v1 matches and runs the self-paced battle.
package duel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/metrics"
	"github.com/quizarena/live/internal/quiz"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/pkg/http/ws"
)

const (
	RolePlayer1 = "player1"
	RolePlayer2 = "player2"
)

// Repository stores duel matches durably. Claim must be a conditional
// write that fails with domain.ErrConflict once the match left waiting.
type Repository interface {
	Create(ctx context.Context, m *domain.DuelMatch) error
	Get(ctx context.Context, id string) (*domain.DuelMatch, error)
	FindOldestWaiting(ctx context.Context, quizID, excludeUserID string) (*domain.DuelMatch, error)
	Claim(ctx context.Context, id string, p2 domain.DuelPlayer) (*domain.DuelMatch, error)
	Update(ctx context.Context, id string, fn func(m *domain.DuelMatch) error) (*domain.DuelMatch, error)
	DeleteIfWaiting(ctx context.Context, id string) (bool, error)
	FindOpenByUser(ctx context.Context, userID string) ([]*domain.DuelMatch, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// Presence reports whether a player's socket is still connected.
type Presence interface {
	IsLive(ctx context.Context, userID, connRef string) (bool, error)
}

// Locker serializes searches for the same quiz across instances.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

type MatchmakerOptions struct {
	SearchRetries   int
	ClaimRetries    int
	StaleAfter      time.Duration
	CleanupInterval time.Duration
	TimePerQuestion int
	LockTTL         time.Duration
}

type FindRequest struct {
	QuizID      string
	UserID      string
	DisplayName string
	ConnRef     string
}

type FindResult struct {
	MatchID string
	Role    string
	Waiting bool
	Match   *domain.DuelMatch
}

// Matchmaker pairs find requests with the oldest live waiting match for the
// same quiz, or opens a new one.
type Matchmaker struct {
	repo     Repository
	presence Presence
	locks    Locker
	quizzes  *Snapshots
	emitter  realtime.Emitter
	opts     MatchmakerOptions
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

func NewMatchmaker(
	repo Repository,
	presence Presence,
	locks Locker,
	quizzes *Snapshots,
	emitter realtime.Emitter,
	opts MatchmakerOptions,
	logger zerolog.Logger,
) *Matchmaker {
	if opts.SearchRetries <= 0 {
		opts.SearchRetries = 3
	}
	if opts.ClaimRetries <= 0 {
		opts.ClaimRetries = 5
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.TimePerQuestion <= 0 {
		opts.TimePerQuestion = 15
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	return &Matchmaker{
		repo:     repo,
		presence: presence,
		locks:    locks,
		quizzes:  quizzes,
		emitter:  emitter,
		opts:     opts,
		logger:   logger.With().Str("component", "duel_matchmaker").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// FindOrCreateMatch claims the oldest live waiting match for req.QuizID or
// opens a new one with the caller as player1.
func (m *Matchmaker) FindOrCreateMatch(ctx context.Context, req FindRequest) (*FindResult, error) {
	q, err := m.quizzes.Fetch(ctx, req.QuizID)
	if err != nil {
		return nil, err
	}

	if res, err := m.resume(ctx, req); err != nil || res != nil {
		return res, err
	}

	unlock, err := m.locks.Lock(ctx, "duel:"+req.QuizID, m.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	me := domain.DuelPlayer{
		UserID:        req.UserID,
		ConnectionRef: req.ConnRef,
		DisplayName:   req.DisplayName,
		IsActive:      true,
	}
	claimed, err := m.claim(ctx, req, me)
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		m.announce(ctx, claimed, q)
		return &FindResult{MatchID: claimed.ID, Role: RolePlayer2, Match: claimed}, nil
	}
	return m.create(ctx, me, q)
}

// resume returns the caller's own waiting match for the same quiz with the
// connection reference refreshed. Waiting requests for other quizzes are
// withdrawn.
func (m *Matchmaker) resume(ctx context.Context, req FindRequest) (*FindResult, error) {
	open, err := m.repo.FindOpenByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	for _, match := range open {
		if match.Status != domain.DuelWaiting || match.Player1.UserID != req.UserID {
			continue
		}
		if match.QuizID != req.QuizID {
			if _, err := m.repo.DeleteIfWaiting(ctx, match.ID); err != nil {
				return nil, err
			}
			m.quizzes.Drop(ctx, match.ID)
			continue
		}
		updated, err := m.repo.Update(ctx, match.ID, func(d *domain.DuelMatch) error {
			if d.Status != domain.DuelWaiting {
				return fmt.Errorf("%w: match %s is %s", domain.ErrConflict, d.ID, d.Status)
			}
			d.Player1.ConnectionRef = req.ConnRef
			return nil
		})
		if errors.Is(err, domain.ErrConflict) {
			// claimed in the meantime; fall through to a fresh search
			continue
		}
		if err != nil {
			return nil, err
		}
		m.waiting(ctx, updated)
		return &FindResult{MatchID: updated.ID, Role: RolePlayer1, Waiting: true, Match: updated}, nil
	}
	return nil, nil
}

// claim runs the search/validate/claim loop. A nil match means nothing was
// claimable within the retry bounds.
func (m *Matchmaker) claim(ctx context.Context, req FindRequest, me domain.DuelPlayer) (*domain.DuelMatch, error) {
	stale, lost := 0, 0
	for stale < m.opts.SearchRetries && lost < m.opts.ClaimRetries {
		cand, err := m.repo.FindOldestWaiting(ctx, req.QuizID, req.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		live, err := m.presence.IsLive(ctx, cand.Player1.UserID, cand.Player1.ConnectionRef)
		if err != nil {
			return nil, err
		}
		if !live {
			if _, err := m.repo.DeleteIfWaiting(ctx, cand.ID); err != nil {
				return nil, err
			}
			m.quizzes.Drop(ctx, cand.ID)
			metrics.DuelMatchmaking.WithLabelValues("stale_removed").Inc()
			m.logger.Debug().
				Str("match_id", cand.ID).
				Str("user_id", cand.Player1.UserID).
				Msg("removed stale waiting match")
			stale++
			continue
		}

		match, err := m.repo.Claim(ctx, cand.ID, me)
		if errors.Is(err, domain.ErrConflict) {
			metrics.DuelMatchmaking.WithLabelValues("lost_race").Inc()
			m.logger.Debug().Str("match_id", cand.ID).Str("user_id", req.UserID).Msg("claim lost, searching again")
			lost++
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.DuelMatchmaking.WithLabelValues("claimed").Inc()
		return match, nil
	}
	return nil, nil
}

func (m *Matchmaker) create(ctx context.Context, me domain.DuelPlayer, q *quiz.Quiz) (*FindResult, error) {
	now := m.now().UTC()
	match := &domain.DuelMatch{
		ID:              m.newID(),
		QuizID:          q.ID,
		Player1:         me,
		Status:          domain.DuelWaiting,
		TimePerQuestion: m.opts.TimePerQuestion,
		TotalQuestions:  len(q.Questions),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.repo.Create(ctx, match); err != nil {
		return nil, err
	}
	if err := m.quizzes.Save(ctx, match.ID, q); err != nil {
		m.logger.Warn().Err(err).Str("match_id", match.ID).Msg("quiz pin failed")
	}
	metrics.DuelMatchmaking.WithLabelValues("created").Inc()
	m.logger.Info().
		Str("match_id", match.ID).
		Str("quiz_id", match.QuizID).
		Str("user_id", me.UserID).
		Msg("duel match opened")

	m.waiting(ctx, match)
	return &FindResult{MatchID: match.ID, Role: RolePlayer1, Waiting: true, Match: match}, nil
}

func (m *Matchmaker) waiting(ctx context.Context, match *domain.DuelMatch) {
	uid := match.Player1.UserID
	if err := m.emitter.Join(ctx, realtime.DuelRoom(match.ID), uid); err != nil {
		m.logger.Warn().Err(err).Str("match_id", match.ID).Msg("room join failed")
	}
	if err := realtime.EmitUser(ctx, m.emitter, uid, ws.TypeWaitingForOpponent, ws.WaitingForOpponentPayload{MatchID: match.ID}); err != nil {
		m.logger.Warn().Err(err).Str("user_id", uid).Msg("send failed")
	}
}

// announce puts both players in the match room and tells each who they face.
func (m *Matchmaker) announce(ctx context.Context, match *domain.DuelMatch, q *quiz.Quiz) {
	room := realtime.DuelRoom(match.ID)
	summary := ws.QuizSummary{
		Title:          q.Title,
		TotalQuestions: match.TotalQuestions,
		Difficulty:     q.Difficulty,
	}
	sides := []struct {
		me, them *domain.DuelPlayer
		role     string
	}{
		{&match.Player1, match.Player2, RolePlayer1},
		{match.Player2, &match.Player1, RolePlayer2},
	}
	for _, s := range sides {
		if err := m.emitter.Join(ctx, room, s.me.UserID); err != nil {
			m.logger.Warn().Err(err).Str("match_id", match.ID).Msg("room join failed")
		}
		payload := ws.MatchFoundPayload{
			MatchID:  match.ID,
			Quiz:     summary,
			Opponent: ws.Opponent{UserID: s.them.UserID, DisplayName: s.them.DisplayName},
			Role:     s.role,
		}
		if err := realtime.EmitUser(ctx, m.emitter, s.me.UserID, ws.TypeMatchFound, payload); err != nil {
			m.logger.Warn().Err(err).Str("user_id", s.me.UserID).Msg("send failed")
		}
	}
	m.logger.Info().
		Str("match_id", match.ID).
		Str("player1", match.Player1.UserID).
		Str("player2", match.Player2.UserID).
		Msg("duel match paired")
}

// CancelMatch withdraws a waiting match. Only its creator may cancel, and
// only before an opponent claims it.
func (m *Matchmaker) CancelMatch(ctx context.Context, matchID, userID string) (*domain.DuelMatch, error) {
	match, err := m.repo.Update(ctx, matchID, func(d *domain.DuelMatch) error {
		if d.Player(userID) == nil {
			return fmt.Errorf("%w: not a player in match %s", domain.ErrForbidden, d.ID)
		}
		if d.Status != domain.DuelWaiting || d.Player2 != nil {
			return fmt.Errorf("%w: match %s is %s", domain.ErrConflict, d.ID, d.Status)
		}
		d.Status = domain.DuelCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.quizzes.Drop(ctx, match.ID)

	room := realtime.DuelRoom(match.ID)
	if err := realtime.EmitUser(ctx, m.emitter, userID, ws.TypeDuelCancelled, ws.MatchIDPayload{MatchID: match.ID}); err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("send failed")
	}
	if err := m.emitter.Leave(ctx, room, userID); err != nil {
		m.logger.Warn().Err(err).Str("match_id", match.ID).Msg("room leave failed")
	}
	m.logger.Info().Str("match_id", match.ID).Str("user_id", userID).Msg("duel match cancelled")
	return match, nil
}

// Cleanup deletes waiting and cancelled matches idle for longer than StaleAfter.
func (m *Matchmaker) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteStale(ctx, m.now().Add(-m.opts.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Int64("deleted", n).Msg("stale duel matches removed")
	}
	return n, nil
}

// RunCleanup calls Cleanup every CleanupInterval until ctx is done.
func (m *Matchmaker) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("duel cleanup failed")
			}
		}
	}
}
