package leaderboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/pkg/http/ws"
)

// Entry is one ranked participant of a session.
type Entry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Score       int64  `json:"score"`
}

// Engine ranks session participants. Scores live in a ranked set per
// session, display names in the session's participants hash.
type Engine struct {
	store  *ephemeral.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewEngine(store *ephemeral.Store, ttl time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "leaderboard").Logger(),
	}
}

// Key is the ranked set holding a session's scores.
func (e *Engine) Key(code string) string {
	return e.store.Key(domain.SessionKey(code, "lb")...)
}

// Keys lists every ephemeral key backing a session's ranking.
func (e *Engine) Keys(code string) []string {
	return ephemeral.RankedKeys(e.Key(code))
}

// Init places the user at score 0 unless already ranked.
func (e *Engine) Init(ctx context.Context, code, userID string) error {
	return e.store.RankedInit(ctx, e.Key(code), userID, e.ttl)
}

// Increment adds points atomically and returns the new score.
func (e *Engine) Increment(ctx context.Context, code, userID string, points int64) (int64, error) {
	return e.store.RankedIncrement(ctx, e.Key(code), userID, points, e.ttl)
}

func (e *Engine) Score(ctx context.Context, code, userID string) (int64, error) {
	score, _, err := e.store.RankedScore(ctx, e.Key(code), userID)
	return score, err
}

// Top returns the n best entries, highest score first. n <= 0 returns all.
func (e *Engine) Top(ctx context.Context, code string, n int) ([]Entry, error) {
	ranked, err := e.store.RankedTopN(ctx, e.Key(code), n)
	if err != nil {
		return nil, err
	}
	names := e.names(ctx, code)
	entries := make([]Entry, len(ranked))
	for i, r := range ranked {
		entries[i] = Entry{
			Rank:        i + 1,
			UserID:      r.Member,
			DisplayName: names[r.Member],
			Score:       r.Score,
		}
	}
	return entries, nil
}

// All returns the full ranking.
func (e *Engine) All(ctx context.Context, code string) ([]Entry, error) {
	return e.Top(ctx, code, 0)
}

// Scores returns every member's score keyed by user id.
func (e *Engine) Scores(ctx context.Context, code string) (map[string]int64, error) {
	ranked, err := e.store.RankedTopN(ctx, e.Key(code), 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(ranked))
	for _, r := range ranked {
		out[r.Member] = r.Score
	}
	return out, nil
}

func (e *Engine) names(ctx context.Context, code string) map[string]string {
	raw, err := e.store.HashGetAll(ctx, e.store.Key(domain.SessionKey(code, "participants")...))
	if err != nil {
		e.logger.Warn().Err(err).Str("session_code", code).Msg("failed to read participant names")
		return nil
	}
	names := make(map[string]string, len(raw))
	for uid, blob := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			continue
		}
		names[uid] = p.DisplayName
	}
	return names
}

// ToWS converts entries into their wire form.
func ToWS(entries []Entry) []ws.LeaderboardEntry {
	result := make([]ws.LeaderboardEntry, len(entries))
	for i, e := range entries {
		result[i] = ws.LeaderboardEntry{
			Rank:        e.Rank,
			UserID:      e.UserID,
			DisplayName: e.DisplayName,
			Score:       e.Score,
		}
	}
	return result
}
