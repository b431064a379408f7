package leaderboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/ephemeral/ephemeraltest"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/internal/realtime/realtimetest"
	"github.com/quizarena/live/pkg/http/ws"
)

func seedSession(t *testing.T, store *ephemeral.Store, code string, show bool, names map[string]string) {
	t.Helper()
	ctx := context.Background()
	sess := domain.Session{Code: code, Status: domain.SessionActive, Settings: domain.Settings{ShowLeaderboard: show}}
	require.NoError(t, store.Set(ctx, store.Key(domain.SessionKey(code)...), sess, time.Hour))
	for uid, name := range names {
		require.NoError(t, store.HashSet(ctx, store.Key(domain.SessionKey(code, "participants")...), uid,
			domain.Participant{UserID: uid, DisplayName: name}, time.Hour))
	}
}

func TestEngine_TopCarriesNamesAndRanks(t *testing.T) {
	store, _ := ephemeraltest.New(t)
	ctx := context.Background()
	seedSession(t, store, "ABCDEF", true, map[string]string{"u1": "Ann", "u2": "Bob", "u3": "Cy"})

	e := NewEngine(store, time.Hour, zerolog.Nop())
	for _, uid := range []string{"u1", "u2", "u3"} {
		require.NoError(t, e.Init(ctx, "ABCDEF", uid))
	}
	_, err := e.Increment(ctx, "ABCDEF", "u2", 20)
	require.NoError(t, err)
	_, err = e.Increment(ctx, "ABCDEF", "u1", 10)
	require.NoError(t, err)

	top, err := e.Top(ctx, "ABCDEF", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, Entry{Rank: 1, UserID: "u2", DisplayName: "Bob", Score: 20}, top[0])
	assert.Equal(t, Entry{Rank: 2, UserID: "u1", DisplayName: "Ann", Score: 10}, top[1])

	all, err := e.All(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(0), all[2].Score)

	scores, err := e.Scores(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": 10, "u2": 20, "u3": 0}, scores)
}

func TestEngine_ConcurrentCorrectAnswersSumExactly(t *testing.T) {
	store, _ := ephemeraltest.New(t)
	e := NewEngine(store, time.Hour, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Increment(ctx, "ABCDEF", "u1", 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	score, err := e.Score(ctx, "ABCDEF", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), score)
}

func TestScheduler_CoalescesDirtyMarks(t *testing.T) {
	store, _ := ephemeraltest.New(t)
	ctx := context.Background()
	seedSession(t, store, "ABCDEF", true, map[string]string{"u1": "Ann"})
	seedSession(t, store, "HIDDEN", false, nil)

	rec := realtimetest.New()
	require.NoError(t, rec.Join(ctx, realtime.SessionRoom("ABCDEF"), "u1"))
	e := NewEngine(store, time.Hour, zerolog.Nop())
	s := NewScheduler(store, e, rec, time.Hour, 10, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := e.Increment(ctx, "ABCDEF", "u1", 10)
		require.NoError(t, err)
		require.NoError(t, s.MarkDirty(ctx, "ABCDEF"))
	}
	require.NoError(t, s.MarkDirty(ctx, "HIDDEN"))
	require.NoError(t, s.MarkDirty(ctx, "GONE22"))

	assert.Equal(t, 1, s.Flush(ctx))
	msgs := rec.RoomMessages(realtime.SessionRoom("ABCDEF"), ws.TypeLeaderboardUpdated)
	require.Len(t, msgs, 1)
	payload := realtimetest.Decode[ws.LeaderboardUpdatedPayload](msgs[0])
	require.Len(t, payload.Leaderboard, 1)
	assert.Equal(t, int64(50), payload.Leaderboard[0].Score)
	assert.Equal(t, "Ann", payload.Leaderboard[0].DisplayName)

	// nothing dirty, nothing sent
	assert.Equal(t, 0, s.Flush(ctx))
	assert.Empty(t, rec.RoomMessages(realtime.SessionRoom("HIDDEN"), ws.TypeLeaderboardUpdated))
}

func TestWindows_RecordAndTop(t *testing.T) {
	store, mr := ephemeraltest.New(t)
	ctx := context.Background()
	w := NewWindows(store, 50, zerolog.Nop())

	require.NoError(t, w.RecordResult(ctx, RecordRequest{UserID: "u1", DisplayName: "Ann", Score: 30, CorrectCount: 3, QuestionCount: 4, Won: true}))
	require.NoError(t, w.RecordResult(ctx, RecordRequest{UserID: "u2", DisplayName: "Bob", Score: 10, CorrectCount: 1, QuestionCount: 4}))
	require.NoError(t, w.RecordResult(ctx, RecordRequest{UserID: "u2", DisplayName: "Bob", Score: 10, CorrectCount: 2, QuestionCount: 4, Won: true}))

	top, err := w.Top(ctx, WindowWeekly, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u1", top[0].UserID)
	assert.Equal(t, 1, top[0].Rank)
	assert.Equal(t, int64(20), top[1].Score)
	assert.Equal(t, 2, top[1].Games)
	assert.Equal(t, 2, top[1].Wins)
	assert.InDelta(t, 0.375, top[1].Accuracy, 1e-9)

	assert.True(t, mr.TTL(store.Key("lb", WindowDaily)) > 0)
	assert.Equal(t, time.Duration(0), mr.TTL(store.Key("lb", WindowAllTime)))

	_, err = w.Top(ctx, "yearly", 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type memSnapshots struct {
	mu      sync.Mutex
	inserts int
	latest  map[string][]byte
}

func (m *memSnapshots) InsertLeaderboardSnapshot(_ context.Context, window string, entries []byte, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		m.latest = map[string][]byte{}
	}
	m.inserts++
	m.latest[window] = entries
	return nil
}

func (m *memSnapshots) LatestLeaderboardSnapshot(_ context.Context, window string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[window], nil
}

func TestSnapshotWorker_SkipsUnchangedAndServesFallback(t *testing.T) {
	store, mr := ephemeraltest.New(t)
	ctx := context.Background()
	w := NewWindows(store, 50, zerolog.Nop())
	require.NoError(t, w.RecordResult(ctx, RecordRequest{UserID: "u1", DisplayName: "Ann", Score: 30, Won: true}))

	snaps := &memSnapshots{}
	worker := NewSnapshotWorker(w, snaps, time.Minute, 10, zerolog.Nop())
	worker.Tick(ctx)
	assert.Equal(t, 4, snaps.inserts)
	worker.Tick(ctx)
	assert.Equal(t, 4, snaps.inserts)

	// redis flushed: the handler falls back to the snapshot
	mr.FlushAll()
	h := NewHTTPHandler(w, snaps, zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/leaderboards/{window}", h.HandleGet)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/leaderboards/daily?limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Window string        `json:"window"`
		Source string        `json:"source"`
		Top    []WindowEntry `json:"top"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "snapshot", body.Source)
	require.Len(t, body.Top, 1)
	assert.Equal(t, "Ann", body.Top[0].DisplayName)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/leaderboards/yearly", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
