package duel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/quiz"
)

// Snapshots pins the quiz content a match was created with, so an edit to
// the quiz mid-match cannot change the answer key.
type Snapshots struct {
	store  *ephemeral.Store
	source quiz.Source
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSnapshots(store *ephemeral.Store, source quiz.Source, ttl time.Duration, logger zerolog.Logger) *Snapshots {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Snapshots{
		store:  store,
		source: source,
		ttl:    ttl,
		logger: logger.With().Str("component", "duel_snapshots").Logger(),
	}
}

func (s *Snapshots) key(matchID string) string { return s.store.Key("duel", matchID, "quiz") }

// Fetch loads a quiz from the content source.
func (s *Snapshots) Fetch(ctx context.Context, quizID string) (*quiz.Quiz, error) {
	q, err := s.source.Quiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if len(q.Questions) == 0 {
		return nil, fmt.Errorf("%w: quiz %s has no questions", domain.ErrInvalid, quizID)
	}
	return q, nil
}

// Save pins q to matchID.
func (s *Snapshots) Save(ctx context.Context, matchID string, q *quiz.Quiz) error {
	return s.store.Set(ctx, s.key(matchID), q, s.ttl)
}

// Load returns the pinned quiz, refetching from the source when the pin expired.
func (s *Snapshots) Load(ctx context.Context, matchID, quizID string) (*quiz.Quiz, error) {
	var q quiz.Quiz
	err := s.store.Get(ctx, s.key(matchID), &q)
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	s.logger.Debug().Str("match_id", matchID).Msg("quiz pin missing, refetching")
	fetched, err := s.Fetch(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, matchID, fetched); err != nil {
		s.logger.Warn().Err(err).Str("match_id", matchID).Msg("quiz pin refresh failed")
	}
	return fetched, nil
}

// Drop removes the pin once a match is over.
func (s *Snapshots) Drop(ctx context.Context, matchID string) {
	if err := s.store.Delete(ctx, s.key(matchID)); err != nil {
		s.logger.Warn().Err(err).Str("match_id", matchID).Msg("quiz pin delete failed")
	}
}
