package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/auth"
	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/leaderboard"
	httperrors "github.com/quizarena/live/pkg/http/errors"
	"github.com/quizarena/live/pkg/http/validate"
	"github.com/quizarena/live/pkg/http/ws"
)

// HTTPHandlers provides the REST endpoints for sessions.
type HTTPHandlers struct {
	coord    *Coordinator
	validate *validate.Validator
	logger   zerolog.Logger
}

// NewHTTPHandlers creates HTTP handlers for session endpoints.
func NewHTTPHandlers(coord *Coordinator, logger zerolog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		coord:    coord,
		validate: validate.New(),
		logger:   logger.With().Str("component", "session_http").Logger(),
	}
}

type sessionResponse struct {
	ws.SessionView
	QuestionOpen bool            `json:"questionOpen"`
	Settings     domain.Settings `json:"settings"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
}

func toResponse(s *domain.Session) sessionResponse {
	return sessionResponse{
		SessionView:  SessionView(s),
		QuestionOpen: s.QuestionOpen,
		Settings:     s.Settings,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
	}
}

// Create handles POST /sessions/create
func (h *HTTPHandlers) Create(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Authentication required")
		return
	}

	var req ws.CreateSessionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httperrors.RespondError(w, http.StatusBadRequest, httperrors.ErrCodeValidationFailed, err.Error())
		return
	}

	sess, err := h.coord.CreateSession(r.Context(), CreateRequest{
		QuizID:          req.QuizID,
		HostID:          claims.UserID(),
		MaxParticipants: req.MaxParticipants,
		TimePerQuestion: req.Settings.TimePerQuestion,
		AllowLateJoin:   req.Settings.AllowLateJoin,
		ShowLeaderboard: req.Settings.ShowLeaderboard,
		AutoAdvance:     req.Settings.AutoAdvance,
	})
	if err != nil {
		h.fail(w, err, "create session failed")
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(sess))
}

// Get handles GET /sessions/{code}
func (h *HTTPHandlers) Get(w http.ResponseWriter, r *http.Request) {
	code, ok := h.code(w, r)
	if !ok {
		return
	}
	sess, err := h.coord.GetSession(r.Context(), code)
	if err != nil {
		h.fail(w, err, "get session failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

// Leaderboard handles GET /sessions/{code}/leaderboard?limit=
func (h *HTTPHandlers) Leaderboard(w http.ResponseWriter, r *http.Request) {
	code, ok := h.code(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httperrors.RespondValidationError(w, httperrors.ErrCodeValidationFailed, "limit must be a non-negative integer", "limit")
			return
		}
		limit = n
	}
	entries, err := h.coord.Leaderboard(r.Context(), code, limit)
	if err != nil {
		h.fail(w, err, "leaderboard read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionCode": code,
		"leaderboard": leaderboard.ToWS(entries),
	})
}

// Participants handles GET /sessions/{code}/participants
func (h *HTTPHandlers) Participants(w http.ResponseWriter, r *http.Request) {
	code, ok := h.code(w, r)
	if !ok {
		return
	}
	participants, err := h.coord.Participants(r.Context(), code)
	if err != nil {
		h.fail(w, err, "participants read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionCode":  code,
		"participants": participants,
	})
}

// Stats handles GET /sessions/{code}/stats
func (h *HTTPHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	code, ok := h.code(w, r)
	if !ok {
		return
	}
	st, err := h.coord.Stats(r.Context(), code)
	if err != nil {
		h.fail(w, err, "stats read failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Cancel handles DELETE /sessions/{code}
func (h *HTTPHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Authentication required")
		return
	}
	code, ok := h.code(w, r)
	if !ok {
		return
	}
	sess, err := h.coord.CancelSession(r.Context(), code, claims.UserID())
	if err != nil {
		h.fail(w, err, "cancel session failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

// List handles GET /sessions
func (h *HTTPHandlers) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.coord.ListActive(r.Context())
	if err != nil {
		h.fail(w, err, "list sessions failed")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (h *HTTPHandlers) code(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := ws.SessionCodePayload{SessionCode: NormalizeCode(r.PathValue("code"))}
	if err := h.validate.Struct(&p); err != nil {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidCode, "Invalid session code", "code")
		return "", false
	}
	return p.SessionCode, true
}

func (h *HTTPHandlers) fail(w http.ResponseWriter, err error, msg string) {
	if domain.IsExpected(err) {
		h.logger.Debug().Err(err).Msg(msg)
	} else {
		h.logger.Error().Err(err).Msg(msg)
	}
	if errors.Is(err, domain.ErrNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeSessionNotFound, err.Error())
		return
	}
	httperrors.RespondDomainError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
