package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
)

// Supported global leaderboard windows.
const (
	WindowDaily   = "daily"
	WindowWeekly  = "weekly"
	WindowMonthly = "monthly"
	WindowAllTime = "all_time"
)

var defaultWindows = []string{WindowDaily, WindowWeekly, WindowMonthly, WindowAllTime}

var windowTTL = map[string]time.Duration{
	WindowDaily:   24 * time.Hour,
	WindowWeekly:  7 * 24 * time.Hour,
	WindowMonthly: 30 * 24 * time.Hour,
}

// ValidWindow reports whether window names a global leaderboard.
func ValidWindow(window string) bool {
	switch window {
	case WindowDaily, WindowWeekly, WindowMonthly, WindowAllTime:
		return true
	default:
		return false
	}
}

// WindowEntry is a global leaderboard record aggregated over duels.
type WindowEntry struct {
	Rank          int     `json:"rank"`
	UserID        string  `json:"userId"`
	DisplayName   string  `json:"displayName"`
	Score         int64   `json:"score"`
	Wins          int     `json:"wins"`
	Games         int     `json:"games"`
	Accuracy      float64 `json:"accuracy"`
	CorrectTotal  int     `json:"-"`
	QuestionTotal int     `json:"-"`
}

// RecordRequest captures one player's duel outcome.
type RecordRequest struct {
	UserID        string
	DisplayName   string
	Score         int64
	CorrectCount  int
	QuestionCount int
	Won           bool
}

// Windows keeps the global duel leaderboards.
type Windows struct {
	redis  *redis.Client
	store  *ephemeral.Store
	topN   int
	logger zerolog.Logger
}

func NewWindows(store *ephemeral.Store, topN int, logger zerolog.Logger) *Windows {
	if topN <= 0 {
		topN = 50
	}
	return &Windows{
		redis:  store.Client(),
		store:  store,
		topN:   topN,
		logger: logger.With().Str("component", "leaderboard_windows").Logger(),
	}
}

// RecordResult updates every window for one player.
func (w *Windows) RecordResult(ctx context.Context, req RecordRequest) error {
	for _, window := range defaultWindows {
		if err := w.updateWindow(ctx, window, req); err != nil {
			return err
		}
	}
	return nil
}

func (w *Windows) updateWindow(ctx context.Context, window string, req RecordRequest) error {
	zKey := w.leaderboardKey(window)
	metaKey := w.metaKey(window, req.UserID)

	pipe := w.redis.TxPipeline()
	pipe.ZIncrBy(ctx, zKey, float64(req.Score), req.UserID)
	pipe.HIncrBy(ctx, metaKey, "wins", int64(boolToInt(req.Won)))
	pipe.HIncrBy(ctx, metaKey, "games", 1)
	pipe.HIncrBy(ctx, metaKey, "correct", int64(req.CorrectCount))
	pipe.HIncrBy(ctx, metaKey, "questions", int64(req.QuestionCount))
	pipe.HSet(ctx, metaKey, "display_name", req.DisplayName)
	if ttl, ok := windowTTL[window]; ok {
		pipe.Expire(ctx, zKey, ttl)
		pipe.Expire(ctx, metaKey, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: update leaderboard window %s: %v", domain.ErrUnavailable, window, err)
	}
	return nil
}

// Top retrieves the best entries of a window.
func (w *Windows) Top(ctx context.Context, window string, limit int) ([]WindowEntry, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: unknown leaderboard window %q", domain.ErrNotFound, window)
	}
	if limit <= 0 || limit > w.topN {
		limit = w.topN
	}

	results, err := w.redis.ZRevRangeWithScores(ctx, w.leaderboardKey(window), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch leaderboard: %v", domain.ErrUnavailable, err)
	}

	entries := make([]WindowEntry, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		entry, err := w.readMeta(ctx, window, member)
		if err != nil {
			w.logger.Warn().Err(err).Msg("failed to read leaderboard metadata")
			continue
		}
		entry.Rank = len(entries) + 1
		entry.Score = int64(z.Score)
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (w *Windows) readMeta(ctx context.Context, window, userID string) (*WindowEntry, error) {
	data, err := w.redis.HGetAll(ctx, w.metaKey(window, userID)).Result()
	if err != nil {
		return nil, err
	}
	entry := &WindowEntry{UserID: userID}
	if len(data) == 0 {
		return entry, nil
	}
	entry.DisplayName = data["display_name"]
	entry.Wins = parseInt(data["wins"])
	entry.Games = parseInt(data["games"])
	entry.CorrectTotal = parseInt(data["correct"])
	entry.QuestionTotal = parseInt(data["questions"])
	if entry.QuestionTotal > 0 {
		entry.Accuracy = float64(entry.CorrectTotal) / float64(entry.QuestionTotal)
	}
	return entry, nil
}

func (w *Windows) leaderboardKey(window string) string {
	return w.store.Key("lb", window)
}

func (w *Windows) metaKey(window, userID string) string {
	return w.store.Key("lb", window, "meta", userID)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseInt(val string) int {
	if val == "" {
		return 0
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return i
}
