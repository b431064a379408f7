package duel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/achievement"
	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/leaderboard"
	"github.com/quizarena/live/internal/metrics"
	"github.com/quizarena/live/internal/quiz"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/pkg/http/ws"
)

// ReasonOpponentDisconnected marks a duel decided by a dropped connection.
const ReasonOpponentDisconnected = "opponent-disconnected"

// ResultRecorder feeds finished duels into the global leaderboards.
type ResultRecorder interface {
	RecordResult(ctx context.Context, req leaderboard.RecordRequest) error
}

// Battle drives a paired match from ready to completed. Each player moves
// through the questions at their own pace; len(Answers) is the pointer.
type Battle struct {
	repo     Repository
	quizzes  *Snapshots
	emitter  realtime.Emitter
	notifier achievement.Notifier
	results  ResultRecorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewBattle(
	repo Repository,
	quizzes *Snapshots,
	emitter realtime.Emitter,
	notifier achievement.Notifier,
	results ResultRecorder,
	logger zerolog.Logger,
) *Battle {
	if notifier == nil {
		notifier = achievement.Nop{}
	}
	return &Battle{
		repo:     repo,
		quizzes:  quizzes,
		emitter:  emitter,
		notifier: notifier,
		results:  results,
		logger:   logger.With().Str("component", "duel_battle").Logger(),
		now:      time.Now,
	}
}

// AnswerOutcome is the graded answer and the player's running totals.
type AnswerOutcome struct {
	Answer   domain.DuelAnswer
	Player   domain.DuelPlayer
	Finished bool
	Match    *domain.DuelMatch
}

// DetermineWinner picks the higher score, then the lower total time.
// A full tie returns nil.
func DetermineWinner(a, b domain.DuelPlayer) *string {
	var w string
	switch {
	case a.Score > b.Score:
		w = a.UserID
	case b.Score > a.Score:
		w = b.UserID
	case a.TotalTimeMs < b.TotalTimeMs:
		w = a.UserID
	case b.TotalTimeMs < a.TotalTimeMs:
		w = b.UserID
	default:
		return nil
	}
	return &w
}

// MarkReady flags userID as ready. The second ready starts the match and
// sends question 0 to each player.
func (b *Battle) MarkReady(ctx context.Context, matchID, userID string) (*domain.DuelMatch, error) {
	current, err := b.repo.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	q, err := b.quizzes.Load(ctx, matchID, current.QuizID)
	if err != nil {
		return nil, err
	}

	var started bool
	match, err := b.repo.Update(ctx, matchID, func(d *domain.DuelMatch) error {
		started = false
		p := d.Player(userID)
		if p == nil {
			return fmt.Errorf("%w: not a player in match %s", domain.ErrForbidden, d.ID)
		}
		if d.Status != domain.DuelReady {
			return fmt.Errorf("%w: match %s is %s", domain.ErrConflict, d.ID, d.Status)
		}
		p.IsReady = true
		if d.Player1.IsReady && d.Player2 != nil && d.Player2.IsReady {
			now := b.now().UTC()
			d.Status = domain.DuelActive
			d.StartedAt = &now
			started = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	room := realtime.DuelRoom(match.ID)
	b.emit(ctx, room, ws.TypePlayerReady, ws.PlayerReadyPayload{MatchID: match.ID, UserID: userID})
	if !started {
		return match, nil
	}

	b.emit(ctx, room, ws.TypeDuelStarted, ws.DuelStartedPayload{
		MatchID:         match.ID,
		StartedAt:       *match.StartedAt,
		TotalQuestions:  match.TotalQuestions,
		TimePerQuestion: match.TimePerQuestion,
	})
	b.pushQuestion(ctx, match, q, match.Player1.UserID, 0)
	b.pushQuestion(ctx, match, q, match.Player2.UserID, 0)
	b.logger.Info().Str("match_id", match.ID).Msg("duel started")
	return match, nil
}

// SubmitAnswer grades the caller's answer to questionIndex, which must be
// the next unanswered question for that player.
func (b *Battle) SubmitAnswer(ctx context.Context, matchID, userID string, questionIndex int, answer string, timeSpentMs int64) (*AnswerOutcome, error) {
	current, err := b.repo.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	q, err := b.quizzes.Load(ctx, matchID, current.QuizID)
	if err != nil {
		return nil, err
	}
	if timeSpentMs < 0 {
		timeSpentMs = 0
	}

	var rec domain.DuelAnswer
	match, err := b.repo.Update(ctx, matchID, func(d *domain.DuelMatch) error {
		p := d.Player(userID)
		if p == nil {
			return fmt.Errorf("%w: not a player in match %s", domain.ErrForbidden, d.ID)
		}
		if d.Status != domain.DuelActive {
			return fmt.Errorf("%w: match %s is %s", domain.ErrConflict, d.ID, d.Status)
		}
		if len(p.Answers) >= d.TotalQuestions {
			return fmt.Errorf("%w: all questions answered", domain.ErrConflict)
		}
		if questionIndex != len(p.Answers) {
			return fmt.Errorf("%w: expected question %d, got %d", domain.ErrConflict, len(p.Answers), questionIndex)
		}
		item, ok := q.At(questionIndex)
		if !ok {
			return fmt.Errorf("%w: question %d", domain.ErrNotFound, questionIndex)
		}

		correct, points := item.Check(answer)
		rec = domain.DuelAnswer{
			QuestionIndex:  questionIndex,
			QuestionID:     item.ID,
			SelectedAnswer: answer,
			IsCorrect:      correct,
			Points:         points,
			TimeSpentMs:    timeSpentMs,
			AnsweredAt:     b.now().UTC(),
		}
		p.Answers = append(p.Answers, rec)
		p.Score += int64(points)
		p.TotalTimeMs += timeSpentMs
		if correct {
			p.CorrectAnswers++
		}

		if finished(d.Player1, d.TotalQuestions) && d.Player2 != nil && finished(*d.Player2, d.TotalQuestions) {
			now := b.now().UTC()
			d.Status = domain.DuelCompleted
			d.CompletedAt = &now
			d.Winner = DetermineWinner(d.Player1, *d.Player2)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AnswersSubmitted.WithLabelValues(strconv.FormatBool(rec.IsCorrect)).Inc()

	p := *match.Player(userID)
	room := realtime.DuelRoom(match.ID)
	b.emit(ctx, room, ws.TypeDuelScoreUpdate, ws.DuelScoreUpdatePayload{
		MatchID:        match.ID,
		UserID:         userID,
		QuestionIndex:  questionIndex,
		IsCorrect:      rec.IsCorrect,
		Points:         rec.Points,
		Score:          p.Score,
		CorrectAnswers: p.CorrectAnswers,
	})

	done := finished(p, match.TotalQuestions)
	if !done {
		b.pushQuestion(ctx, match, q, userID, len(p.Answers))
	} else {
		b.emit(ctx, room, ws.TypePlayerCompleted, ws.PlayerCompletedPayload{MatchID: match.ID, UserID: userID})
		if match.Status != domain.DuelCompleted {
			b.emitUser(ctx, userID, ws.TypeWaitingForOpponent, ws.WaitingForOpponentPayload{MatchID: match.ID})
		}
	}
	if match.Status == domain.DuelCompleted {
		b.finish(ctx, match, "")
	}
	return &AnswerOutcome{Answer: rec, Player: p, Finished: done, Match: match}, nil
}

// HandleDisconnect resolves every open match of userID: a waiting match is
// deleted, a ready or active one is forfeited to the opponent.
func (b *Battle) HandleDisconnect(ctx context.Context, userID string) {
	open, err := b.repo.FindOpenByUser(ctx, userID)
	if err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("open duel lookup failed")
		return
	}
	for _, match := range open {
		switch match.Status {
		case domain.DuelWaiting:
			deleted, err := b.repo.DeleteIfWaiting(ctx, match.ID)
			if err != nil {
				b.logger.Warn().Err(err).Str("match_id", match.ID).Msg("waiting match delete failed")
				continue
			}
			if deleted {
				b.quizzes.Drop(ctx, match.ID)
				b.logger.Debug().Str("match_id", match.ID).Str("user_id", userID).Msg("waiting match dropped")
				continue
			}
			// claimed between the lookup and the delete
			if err := b.forfeit(ctx, match.ID, userID); err != nil {
				b.logger.Warn().Err(err).Str("match_id", match.ID).Msg("forfeit failed")
			}
		case domain.DuelReady, domain.DuelActive:
			if err := b.forfeit(ctx, match.ID, userID); err != nil {
				b.logger.Warn().Err(err).Str("match_id", match.ID).Msg("forfeit failed")
			}
		}
	}
}

func (b *Battle) forfeit(ctx context.Context, matchID, userID string) error {
	match, err := b.repo.Update(ctx, matchID, func(d *domain.DuelMatch) error {
		if d.Status != domain.DuelReady && d.Status != domain.DuelActive {
			return fmt.Errorf("%w: match %s is %s", domain.ErrConflict, d.ID, d.Status)
		}
		p, opp := d.Player(userID), d.Opponent(userID)
		if p == nil || opp == nil {
			return fmt.Errorf("%w: match %s has no opponent for %s", domain.ErrConflict, d.ID, userID)
		}
		now := b.now().UTC()
		p.IsActive = false
		winner := opp.UserID
		d.Winner = &winner
		d.Status = domain.DuelCompleted
		d.CompletedAt = &now
		return nil
	})
	if errors.Is(err, domain.ErrConflict) {
		// already over
		return nil
	}
	if err != nil {
		return err
	}

	b.emit(ctx, realtime.DuelRoom(match.ID), ws.TypeOpponentDisconnected, ws.OpponentDisconnectedPayload{
		MatchID: match.ID,
		UserID:  userID,
	})
	b.finish(ctx, match, ReasonOpponentDisconnected)
	return nil
}

// finish announces the result and reports it to the leaderboard windows
// and the achievement service. Failures there never undo the result.
func (b *Battle) finish(ctx context.Context, match *domain.DuelMatch, reason string) {
	metrics.DuelsCompleted.Inc()
	players := []domain.DuelPlayer{match.Player1}
	if match.Player2 != nil {
		players = append(players, *match.Player2)
	}

	scores := make([]ws.FinalScore, 0, len(players))
	results := make([]achievement.Result, 0, len(players))
	for _, p := range players {
		won := match.Winner != nil && *match.Winner == p.UserID
		scores = append(scores, ws.FinalScore{
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
			TotalTimeMs:    p.TotalTimeMs,
		})
		results = append(results, achievement.Result{
			UserID:         p.UserID,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
			TotalQuestions: match.TotalQuestions,
			Accuracy:       achievement.Accuracy(p.CorrectAnswers, match.TotalQuestions),
			TotalTimeMs:    p.TotalTimeMs,
			Won:            won,
		})
		if b.results != nil {
			err := b.results.RecordResult(ctx, leaderboard.RecordRequest{
				UserID:        p.UserID,
				DisplayName:   p.DisplayName,
				Score:         p.Score,
				CorrectCount:  p.CorrectAnswers,
				QuestionCount: match.TotalQuestions,
				Won:           won,
			})
			if err != nil {
				b.logger.Warn().Err(err).Str("match_id", match.ID).Str("user_id", p.UserID).Msg("leaderboard record failed")
			}
		}
	}

	room := realtime.DuelRoom(match.ID)
	b.emit(ctx, room, ws.TypeDuelEnded, ws.DuelEndedPayload{
		MatchID:     match.ID,
		Winner:      match.Winner,
		FinalScores: scores,
		Reason:      reason,
	})
	for _, p := range players {
		if err := b.emitter.Leave(ctx, room, p.UserID); err != nil {
			b.logger.Warn().Err(err).Str("match_id", match.ID).Msg("room leave failed")
		}
	}

	ev := achievement.Event{
		Type:       achievement.EventDuelCompleted,
		SourceID:   match.ID,
		QuizID:     match.QuizID,
		OccurredAt: b.now().UTC(),
		Results:    results,
	}
	if err := b.notifier.Notify(ctx, ev); err != nil {
		b.logger.Warn().Err(err).Str("match_id", match.ID).Msg("achievement notify failed")
	}
	b.quizzes.Drop(ctx, match.ID)

	log := b.logger.Info().Str("match_id", match.ID).Str("reason", reason)
	if match.Winner != nil {
		log = log.Str("winner", *match.Winner)
	}
	log.Msg("duel completed")
}

func (b *Battle) pushQuestion(ctx context.Context, match *domain.DuelMatch, q *quiz.Quiz, userID string, index int) {
	item, ok := q.At(index)
	if !ok {
		return
	}
	b.emitUser(ctx, userID, ws.TypeNextQuestion, ws.DuelQuestionPayload{
		MatchID:        match.ID,
		QuestionIndex:  index,
		Question:       ws.QuestionView{ID: item.ID, Question: item.Question, Options: item.Options, Points: item.Points},
		TimeLimit:      match.TimePerQuestion,
		TotalQuestions: match.TotalQuestions,
	})
}

func (b *Battle) emit(ctx context.Context, room, msgType string, payload any) {
	if err := realtime.Emit(ctx, b.emitter, room, msgType, payload); err != nil {
		b.logger.Warn().Err(err).Str("room", room).Str("type", msgType).Msg("broadcast failed")
	}
}

func (b *Battle) emitUser(ctx context.Context, userID, msgType string, payload any) {
	if err := realtime.EmitUser(ctx, b.emitter, userID, msgType, payload); err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Str("type", msgType).Msg("send failed")
	}
}

func finished(p domain.DuelPlayer, total int) bool {
	return len(p.Answers) >= total
}
