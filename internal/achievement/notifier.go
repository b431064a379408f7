// Package achievement reports completed sessions and duels to the
// achievement service. Delivery is best effort.
package achievement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventSessionCompleted = "session.completed"
	EventDuelCompleted    = "duel.completed"
)

// Result is one participant's outcome.
type Result struct {
	UserID         string  `json:"userId"`
	Score          int64   `json:"score"`
	CorrectAnswers int     `json:"correctAnswers"`
	TotalQuestions int     `json:"totalQuestions"`
	Accuracy       float64 `json:"accuracy"`
	TotalTimeMs    int64   `json:"totalTimeMs,omitempty"`
	Won            bool    `json:"won"`
}

type Event struct {
	Type       string    `json:"type"`
	SourceID   string    `json:"sourceId"`
	QuizID     string    `json:"quizId"`
	OccurredAt time.Time `json:"occurredAt"`
	Results    []Result  `json:"results"`
}

// Accuracy returns correct/total as a percentage, 0 when total is 0.
func Accuracy(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(correct) * 100 / float64(total)
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Async sends events in the background so callers never wait on the
// achievement service. Failures are logged and dropped.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration, logger zerolog.Logger) *Async {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Async{
		next:    next,
		timeout: timeout,
		logger:  logger.With().Str("component", "achievement").Logger(),
	}
}

func (a *Async) Notify(_ context.Context, ev Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, ev); err != nil {
			a.logger.Warn().Err(err).
				Str("event", ev.Type).
				Str("source_id", ev.SourceID).
				Msg("achievement notify failed")
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (a *Async) Wait() { a.wg.Wait() }
