package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/internal/auth"
	"github.com/quizarena/live/internal/auth/jwt"
	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/internal/realtime/realtimetest"
	"github.com/quizarena/live/pkg/http/ws"
)

func newGateway(t *testing.T, h *harness) *realtime.Gateway {
	t.Helper()
	g := realtime.NewGateway(ws.NewHub(zerolog.Nop()), nil, nil, zerolog.Nop())
	NewHandler(h.coord, h.rec, zerolog.Nop()).Register(g)
	return g
}

func message(t *testing.T, msgType, requestID string, payload any) ws.Message {
	t.Helper()
	msg, err := ws.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.RequestID = requestID
	return msg
}

func TestHandler_SessionFlow(t *testing.T) {
	h := newHarness(t)
	g := newGateway(t, h)
	ctx := context.Background()
	host := realtime.Client{UserID: "host", DisplayName: "Host"}
	ann := realtime.Client{UserID: "u1", DisplayName: "Ann"}
	bob := realtime.Client{UserID: "u2", DisplayName: "Bob"}

	require.NoError(t, g.Dispatch(ctx, host, message(t, ws.TypeCreateSession, "r1", ws.CreateSessionPayload{
		QuizID:   "capitals",
		Settings: ws.SettingsPayload{TimePerQuestion: 20},
	})))
	created := h.rec.UserMessages("host", ws.TypeSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "r1", created[0].RequestID)
	view := realtimetest.Decode[ws.SessionView](created[0])
	assert.Equal(t, 20, view.TimePerQuestion)
	assert.Equal(t, "Capitals", view.Title)

	// codes are typed by people; lower case is accepted
	lower := strings.ToLower(view.SessionCode)
	require.NoError(t, g.Dispatch(ctx, ann, message(t, ws.TypeJoinSession, "r2", ws.JoinSessionPayload{SessionCode: lower})))
	joined := h.rec.UserMessages("u1", ws.TypeSessionJoined)
	require.Len(t, joined, 1)
	jp := realtimetest.Decode[ws.SessionJoinedPayload](joined[0])
	assert.Equal(t, "Ann", jp.Participant.DisplayName, "falls back to the token name")
	assert.Equal(t, view.SessionCode, jp.Session.SessionCode)

	require.NoError(t, g.Dispatch(ctx, host, message(t, ws.TypeStartSession, "", ws.SessionCodePayload{SessionCode: view.SessionCode})))
	h.timers.last(t).fn()

	// late joiner sees the open question immediately
	require.NoError(t, g.Dispatch(ctx, bob, message(t, ws.TypeJoinSession, "r3", ws.JoinSessionPayload{SessionCode: view.SessionCode, DisplayName: "Bobby"})))
	direct := h.rec.UserMessages("u2", ws.TypeQuestionStarted)
	require.NotEmpty(t, direct)
	assert.Equal(t, "q-a", realtimetest.Decode[ws.QuestionStartedPayload](direct[0]).Question.ID)

	require.NoError(t, g.Dispatch(ctx, bob, message(t, ws.TypeSubmitAnswer, "", ws.SubmitAnswerPayload{
		SessionCode: view.SessionCode, QuestionID: "q-a", Answer: "Paris", TimeSpentMs: 800,
	})))
	err := g.Dispatch(ctx, bob, message(t, ws.TypeSubmitAnswer, "", ws.SubmitAnswerPayload{
		SessionCode: view.SessionCode, QuestionID: "q-a", Answer: "Paris",
	}))
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = g.Dispatch(ctx, ann, message(t, ws.TypeNextQuestion, "", ws.NextQuestionPayload{SessionCode: view.SessionCode}))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	require.NoError(t, g.Dispatch(ctx, host, message(t, ws.TypeNextQuestion, "", ws.NextQuestionPayload{
		SessionCode: view.SessionCode, QuestionIndex: intPtr(0),
	})))
	assert.Equal(t, 1, h.session(t, view.SessionCode).CurrentQuestionIndex)

	require.NoError(t, g.Dispatch(ctx, ann, message(t, ws.TypeLeaveSession, "", ws.SessionCodePayload{SessionCode: view.SessionCode})))
	require.NoError(t, g.Dispatch(ctx, host, message(t, ws.TypeEndSession, "", ws.SessionCodePayload{SessionCode: view.SessionCode})))
	assert.Equal(t, domain.SessionCompleted, h.session(t, view.SessionCode).Status)
}

func TestHandler_RejectsBadPayloads(t *testing.T) {
	h := newHarness(t)
	g := newGateway(t, h)
	ctx := context.Background()
	c := realtime.Client{UserID: "u1"}

	err := g.Dispatch(ctx, c, message(t, ws.TypeJoinSession, "", ws.JoinSessionPayload{SessionCode: "ABC"}))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	// O and 0 are outside the code alphabet
	err = g.Dispatch(ctx, c, message(t, ws.TypeStartSession, "", ws.SessionCodePayload{SessionCode: "ABCDO0"}))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	err = g.Dispatch(ctx, c, message(t, ws.TypeCreateSession, "", ws.CreateSessionPayload{}))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	err = g.Dispatch(ctx, c, ws.Message{Type: ws.TypeSubmitAnswer, Payload: json.RawMessage(`"nope"`)})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func withClaims(r *http.Request, userID string) *http.Request {
	claims := &jwt.Claims{RegisteredClaims: jwtlib.RegisteredClaims{Subject: userID}}
	return r.WithContext(auth.WithClaims(r.Context(), claims))
}

func newMux(h *harness) *http.ServeMux {
	hh := NewHTTPHandlers(h.coord, zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/create", hh.Create)
	mux.HandleFunc("GET /sessions", hh.List)
	mux.HandleFunc("GET /sessions/{code}", hh.Get)
	mux.HandleFunc("DELETE /sessions/{code}", hh.Cancel)
	mux.HandleFunc("GET /sessions/{code}/leaderboard", hh.Leaderboard)
	mux.HandleFunc("GET /sessions/{code}/participants", hh.Participants)
	mux.HandleFunc("GET /sessions/{code}/stats", hh.Stats)
	return mux
}

func TestHTTP_CreateAndRead(t *testing.T) {
	h := newHarness(t)
	mux := newMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/create", strings.NewReader(`{"quizId":"capitals"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := withClaims(httptest.NewRequest(http.MethodPost, "/sessions/create",
		strings.NewReader(`{"quizId":"capitals","maxParticipants":5,"settings":{"autoAdvance":true}}`)), "host")
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 5, created.MaxParticipants)
	assert.True(t, created.Settings.AutoAdvance)
	code := created.SessionCode

	h.join(t, code, "u1")
	h.begin(t, code)
	_, err := h.coord.SubmitAnswer(context.Background(), code, "u1", "q-a", "Paris", 0)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+strings.ToLower(code), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+code+"/leaderboard?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var lb struct {
		Leaderboard []ws.LeaderboardEntry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lb))
	require.Len(t, lb.Leaderboard, 1)
	assert.Equal(t, int64(10), lb.Leaderboard[0].Score)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+code+"/leaderboard?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+code+"/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.CorrectAnswers)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+code+"/participants", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"userId":"u1"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), code)
}

func TestHTTP_ErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	mux := newMux(h)
	code := h.create(t, CreateRequest{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/ZZZZZZ", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_not_found")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/bad!", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodDelete, "/sessions/"+code, nil), "u1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodDelete, "/sessions/"+code, nil), "host"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodDelete, "/sessions/"+code, nil), "host"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/sessions/create", strings.NewReader(`{"quizId":"missing"}`)), "host"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
