package leaderboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	httperrors "github.com/quizarena/live/pkg/http/errors"
)

// HTTPHandler exposes the global duel leaderboards.
type HTTPHandler struct {
	windows   *Windows
	snapshots SnapshotStore
	logger    zerolog.Logger
}

func NewHTTPHandler(windows *Windows, snapshots SnapshotStore, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		windows:   windows,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "leaderboard_http").Logger(),
	}
}

// HandleGet serves GET /v1/leaderboards/{window}?limit=10.
func (h *HTTPHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	window := r.PathValue("window")
	if !ValidWindow(window) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeUnknownWindow, "unknown leaderboard window")
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	ctx := r.Context()
	var (
		top    []WindowEntry
		source = "redis"
	)
	entries, err := h.windows.Top(ctx, window, limit)
	if err == nil {
		top = entries
	} else {
		h.logger.Warn().Err(err).Str("window", window).Msg("redis leaderboard fetch failed")
	}

	if len(top) == 0 {
		source = "snapshot"
		top = h.snapshotFallback(ctx, window, limit)
	}
	if top == nil {
		top = []WindowEntry{}
	}

	writeJSON(w, map[string]interface{}{
		"window":      window,
		"top":         top,
		"source":      source,
		"retrievedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HTTPHandler) snapshotFallback(ctx context.Context, window string, limit int) []WindowEntry {
	if h.snapshots == nil {
		return nil
	}
	data, err := h.snapshots.LatestLeaderboardSnapshot(ctx, window)
	if err != nil || len(data) == 0 {
		return nil
	}
	var entries []WindowEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		h.logger.Warn().Err(err).Msg("snapshot payload decode failed")
		return nil
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
