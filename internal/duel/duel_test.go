package duel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/internal/achievement"
	"github.com/quizarena/live/internal/db/memory"
	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/ephemeral/ephemeraltest"
	"github.com/quizarena/live/internal/leaderboard"
	"github.com/quizarena/live/internal/quiz"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/internal/realtime/realtimetest"
	"github.com/quizarena/live/pkg/http/ws"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []achievement.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev achievement.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type recordingResults struct {
	mu   sync.Mutex
	reqs []leaderboard.RecordRequest
}

func (r *recordingResults) RecordResult(_ context.Context, req leaderboard.RecordRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

type harness struct {
	mm       *Matchmaker
	battle   *Battle
	repo     *memory.Duels
	store    *ephemeral.Store
	presence *ephemeral.Presence
	rec      *realtimetest.Recorder
	notifier *recordingNotifier
	results  *recordingResults
}

func testQuiz() quiz.Quiz {
	return quiz.Quiz{
		ID:         "capitals",
		Title:      "Capitals",
		Difficulty: "easy",
		Questions: []quiz.Question{
			{ID: "q-a", Question: "France?", Options: []string{"Paris", "Lyon"}, CorrectAnswer: "Paris", Points: 100},
			{ID: "q-b", Question: "Spain?", Options: []string{"Madrid", "Seville"}, CorrectAnswer: "Madrid", Points: 100},
			{ID: "q-c", Question: "Italy?", Options: []string{"Rome", "Milan"}, CorrectAnswer: "Rome", Points: 100},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, _ := ephemeraltest.New(t)
	second := testQuiz()
	second.ID = "flags"
	snaps := NewSnapshots(store, quiz.NewFixtures(testQuiz(), second), time.Hour, zerolog.Nop())
	h := &harness{
		repo:     memory.NewDuels(),
		store:    store,
		presence: ephemeral.NewPresence(store, time.Minute),
		rec:      realtimetest.New(),
		notifier: &recordingNotifier{},
		results:  &recordingResults{},
	}
	h.mm = NewMatchmaker(h.repo, h.presence, store, snaps, h.rec, MatchmakerOptions{}, zerolog.Nop())
	h.battle = NewBattle(h.repo, snaps, h.rec, h.notifier, h.results, zerolog.Nop())
	return h
}

func (h *harness) online(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, h.presence.Mark(context.Background(), userID, "conn-"+userID))
}

func (h *harness) find(t *testing.T, quizID, userID string) *FindResult {
	t.Helper()
	h.online(t, userID)
	res, err := h.mm.FindOrCreateMatch(context.Background(), FindRequest{
		QuizID:      quizID,
		UserID:      userID,
		DisplayName: "name-" + userID,
		ConnRef:     "conn-" + userID,
	})
	require.NoError(t, err)
	return res
}

// pair returns an active match between a and b.
func (h *harness) pair(t *testing.T, a, b string) string {
	t.Helper()
	first := h.find(t, "capitals", a)
	require.True(t, first.Waiting)
	second := h.find(t, "capitals", b)
	require.Equal(t, first.MatchID, second.MatchID)
	ctx := context.Background()
	_, err := h.battle.MarkReady(ctx, first.MatchID, a)
	require.NoError(t, err)
	_, err = h.battle.MarkReady(ctx, first.MatchID, b)
	require.NoError(t, err)
	return first.MatchID
}

func (h *harness) answer(t *testing.T, matchID, userID string, index int, answer string, ms int64) *AnswerOutcome {
	t.Helper()
	out, err := h.battle.SubmitAnswer(context.Background(), matchID, userID, index, answer, ms)
	require.NoError(t, err)
	return out
}

func TestDetermineWinner(t *testing.T) {
	tests := []struct {
		name string
		a, b domain.DuelPlayer
		want *string
	}{
		{
			name: "higher score wins",
			a:    domain.DuelPlayer{UserID: "a", Score: 300, CorrectAnswers: 2, TotalTimeMs: 12000},
			b:    domain.DuelPlayer{UserID: "b", Score: 200, CorrectAnswers: 1, TotalTimeMs: 8000},
			want: strPtr("a"),
		},
		{
			name: "equal score, faster wins",
			a:    domain.DuelPlayer{UserID: "a", Score: 200, TotalTimeMs: 15000},
			b:    domain.DuelPlayer{UserID: "b", Score: 200, TotalTimeMs: 10000},
			want: strPtr("b"),
		},
		{
			name: "full tie",
			a:    domain.DuelPlayer{UserID: "a", Score: 200, TotalTimeMs: 10000},
			b:    domain.DuelPlayer{UserID: "b", Score: 200, TotalTimeMs: 10000},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineWinner(tt.a, tt.b))
			// order of arguments must not matter
			assert.Equal(t, tt.want, DetermineWinner(tt.b, tt.a))
		})
	}
}

func strPtr(s string) *string { return &s }

func TestFindOrCreate_ConcurrentPairIsExclusive(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)
		a, b := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
		h.online(t, a)
		h.online(t, b)

		var wg sync.WaitGroup
		results := make([]*FindResult, 2)
		errs := make([]error, 2)
		for j, uid := range []string{a, b} {
			wg.Add(1)
			go func(j int, uid string) {
				defer wg.Done()
				results[j], errs[j] = h.mm.FindOrCreateMatch(context.Background(), FindRequest{
					QuizID: "capitals", UserID: uid, DisplayName: uid, ConnRef: "conn-" + uid,
				})
			}(j, uid)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		assert.Equal(t, results[0].MatchID, results[1].MatchID, "both must land in one match")
		roles := map[string]bool{results[0].Role: true, results[1].Role: true}
		assert.Equal(t, map[string]bool{RolePlayer1: true, RolePlayer2: true}, roles)

		m, err := h.repo.Get(context.Background(), results[0].MatchID)
		require.NoError(t, err)
		assert.Equal(t, domain.DuelReady, m.Status)
		require.NotNil(t, m.Player2)
		assert.NotEqual(t, m.Player1.UserID, m.Player2.UserID)

		_, err = h.repo.FindOldestWaiting(context.Background(), "capitals", "")
		assert.ErrorIs(t, err, domain.ErrNotFound, "no waiting match left behind")
	}
}

func TestFindOrCreate_ManyPlayersPairUp(t *testing.T) {
	h := newHarness(t)
	const players = 8
	for i := 0; i < players; i++ {
		h.online(t, fmt.Sprintf("u%d", i))
	}

	var wg sync.WaitGroup
	results := make([]*FindResult, players)
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := fmt.Sprintf("u%d", i)
			res, err := h.mm.FindOrCreateMatch(context.Background(), FindRequest{
				QuizID: "capitals", UserID: uid, DisplayName: uid, ConnRef: "conn-" + uid,
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	byMatch := map[string][]string{}
	for _, r := range results {
		require.NotNil(t, r)
		byMatch[r.MatchID] = append(byMatch[r.MatchID], r.Role)
	}
	assert.Len(t, byMatch, players/2)
	for id, roles := range byMatch {
		assert.ElementsMatch(t, []string{RolePlayer1, RolePlayer2}, roles, "match %s", id)
	}
}

func TestFindOrCreate_AnnouncesToBothPlayers(t *testing.T) {
	h := newHarness(t)
	first := h.find(t, "capitals", "ann")
	assert.Equal(t, RolePlayer1, first.Role)
	require.Len(t, h.rec.UserMessages("ann", ws.TypeWaitingForOpponent), 1)

	second := h.find(t, "capitals", "bob")
	assert.False(t, second.Waiting)
	assert.Equal(t, RolePlayer2, second.Role)

	annFound := h.rec.UserMessages("ann", ws.TypeMatchFound)
	require.Len(t, annFound, 1)
	ap := realtimetest.Decode[ws.MatchFoundPayload](annFound[0])
	assert.Equal(t, RolePlayer1, ap.Role)
	assert.Equal(t, "bob", ap.Opponent.UserID)
	assert.Equal(t, "name-bob", ap.Opponent.DisplayName)
	assert.Equal(t, ws.QuizSummary{Title: "Capitals", TotalQuestions: 3, Difficulty: "easy"}, ap.Quiz)

	bobFound := h.rec.UserMessages("bob", ws.TypeMatchFound)
	require.Len(t, bobFound, 1)
	bp := realtimetest.Decode[ws.MatchFoundPayload](bobFound[0])
	assert.Equal(t, RolePlayer2, bp.Role)
	assert.Equal(t, "ann", bp.Opponent.UserID)

	assert.ElementsMatch(t, []string{"ann", "bob"}, h.rec.Members(realtime.DuelRoom(first.MatchID)))
}

func TestFindOrCreate_DifferentQuizzesDoNotPair(t *testing.T) {
	h := newHarness(t)
	a := h.find(t, "capitals", "ann")
	b := h.find(t, "flags", "bob")
	assert.True(t, a.Waiting)
	assert.True(t, b.Waiting)
	assert.NotEqual(t, a.MatchID, b.MatchID)
}

func TestFindOrCreate_RemovesStaleWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ghost := h.find(t, "capitals", "ghost")
	require.NoError(t, h.presence.Clear(ctx, "ghost", "conn-ghost"))

	res := h.find(t, "capitals", "bob")
	assert.True(t, res.Waiting, "a dead opponent is not claimable")
	assert.Equal(t, RolePlayer1, res.Role)
	assert.NotEqual(t, ghost.MatchID, res.MatchID)

	_, err := h.repo.Get(ctx, ghost.MatchID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.rec.UserMessages("ghost", ws.TypeMatchFound))
}

func TestFindOrCreate_ReconnectedPlayerIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.find(t, "capitals", "ann")
	// a newer socket replaced the one stored on the match
	require.NoError(t, h.presence.Mark(ctx, "ann", "conn-new"))

	res := h.find(t, "capitals", "bob")
	assert.True(t, res.Waiting)
	_, err := h.repo.Get(ctx, old.MatchID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindOrCreate_ResumesOwnWaitingMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.find(t, "capitals", "ann")

	require.NoError(t, h.presence.Mark(ctx, "ann", "conn-2"))
	again, err := h.mm.FindOrCreateMatch(ctx, FindRequest{QuizID: "capitals", UserID: "ann", ConnRef: "conn-2"})
	require.NoError(t, err)
	assert.Equal(t, first.MatchID, again.MatchID)
	assert.True(t, again.Waiting)
	assert.Equal(t, "conn-2", again.Match.Player1.ConnectionRef)

	// the refreshed reference keeps the match claimable
	res := h.find(t, "capitals", "bob")
	assert.Equal(t, first.MatchID, res.MatchID)
}

func TestFindOrCreate_SwitchingQuizWithdrawsOldRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.find(t, "capitals", "ann")
	next := h.find(t, "flags", "ann")
	assert.NotEqual(t, old.MatchID, next.MatchID)

	_, err := h.repo.Get(ctx, old.MatchID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindOrCreate_UnknownQuiz(t *testing.T) {
	h := newHarness(t)
	_, err := h.mm.FindOrCreateMatch(context.Background(), FindRequest{QuizID: "nope", UserID: "ann"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.find(t, "capitals", "ann")

	_, err := h.mm.CancelMatch(ctx, res.MatchID, "eve")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	m, err := h.mm.CancelMatch(ctx, res.MatchID, "ann")
	require.NoError(t, err)
	assert.Equal(t, domain.DuelCancelled, m.Status)
	require.Len(t, h.rec.UserMessages("ann", ws.TypeDuelCancelled), 1)

	_, err = h.mm.CancelMatch(ctx, res.MatchID, "ann")
	assert.ErrorIs(t, err, domain.ErrConflict, "cancel is terminal")

	// a cancelled match is never claimed
	other := h.find(t, "capitals", "bob")
	assert.True(t, other.Waiting)
	assert.NotEqual(t, res.MatchID, other.MatchID)
}

func TestCancelMatch_AfterPairing(t *testing.T) {
	h := newHarness(t)
	res := h.find(t, "capitals", "ann")
	h.find(t, "capitals", "bob")

	_, err := h.mm.CancelMatch(context.Background(), res.MatchID, "bob")
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = h.mm.CancelMatch(context.Background(), res.MatchID, "ann")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCleanup_RemovesIdleWaitingMatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	solo := h.find(t, "flags", "solo")
	paired := h.pair(t, "ann", "bob")

	n, err := h.mm.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is stale yet")

	h.mm.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	n, err = h.mm.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.repo.Get(ctx, solo.MatchID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.repo.Get(ctx, paired)
	assert.NoError(t, err, "running matches are not swept")
}

func TestMarkReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.find(t, "capitals", "ann")

	_, err := h.battle.MarkReady(ctx, res.MatchID, "ann")
	assert.ErrorIs(t, err, domain.ErrConflict, "no opponent yet")

	h.find(t, "capitals", "bob")
	_, err = h.battle.MarkReady(ctx, res.MatchID, "eve")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	m, err := h.battle.MarkReady(ctx, res.MatchID, "ann")
	require.NoError(t, err)
	assert.Equal(t, domain.DuelReady, m.Status)
	assert.Nil(t, m.StartedAt)
	assert.Empty(t, h.rec.UserMessages("ann", ws.TypeNextQuestion))
	assert.Len(t, h.rec.RoomMessages(realtime.DuelRoom(res.MatchID), ws.TypePlayerReady), 1)

	_, err = h.battle.SubmitAnswer(ctx, res.MatchID, "ann", 0, "Paris", 100)
	assert.ErrorIs(t, err, domain.ErrConflict, "not started")

	m, err = h.battle.MarkReady(ctx, res.MatchID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.DuelActive, m.Status)
	require.NotNil(t, m.StartedAt)
	assert.Len(t, h.rec.RoomMessages(realtime.DuelRoom(res.MatchID), ws.TypeDuelStarted), 1)

	for _, uid := range []string{"ann", "bob"} {
		qs := h.rec.UserMessages(uid, ws.TypeNextQuestion)
		require.Len(t, qs, 1, uid)
		p := realtimetest.Decode[ws.DuelQuestionPayload](qs[0])
		assert.Equal(t, 0, p.QuestionIndex)
		assert.Equal(t, "q-a", p.Question.ID)
		assert.Equal(t, 15, p.TimeLimit)
		assert.Equal(t, 3, p.TotalQuestions)
	}

	_, err = h.battle.MarkReady(ctx, res.MatchID, "ann")
	assert.ErrorIs(t, err, domain.ErrConflict, "already running")
}

func TestSubmitAnswer_SelfPaced(t *testing.T) {
	h := newHarness(t)
	id := h.pair(t, "ann", "bob")

	// ann races ahead while bob has not answered anything
	out := h.answer(t, id, "ann", 0, " paris ", 1000)
	assert.True(t, out.Answer.IsCorrect)
	assert.Equal(t, int64(100), out.Player.Score)
	h.answer(t, id, "ann", 1, "Madrid", 1000)
	out = h.answer(t, id, "ann", 2, "Milan", 1000)
	assert.True(t, out.Finished)
	assert.Equal(t, int64(200), out.Player.Score)
	assert.Equal(t, 2, out.Player.CorrectAnswers)
	assert.Equal(t, int64(3000), out.Player.TotalTimeMs)
	assert.Equal(t, domain.DuelActive, out.Match.Status)

	annQs := h.rec.UserMessages("ann", ws.TypeNextQuestion)
	require.Len(t, annQs, 3, "start plus two follow-ups")
	assert.Equal(t, 2, realtimetest.Decode[ws.DuelQuestionPayload](annQs[2]).QuestionIndex)
	assert.Len(t, h.rec.UserMessages("bob", ws.TypeNextQuestion), 1, "bob still sits on question 0")
	assert.Len(t, h.rec.UserMessages("ann", ws.TypeWaitingForOpponent), 2, "once when queued, once when done")
	assert.Len(t, h.rec.RoomMessages(realtime.DuelRoom(id), ws.TypePlayerCompleted), 1)

	updates := h.rec.UserMessages("bob", ws.TypeDuelScoreUpdate)
	require.Len(t, updates, 3, "opponent sees every score change")
	last := realtimetest.Decode[ws.DuelScoreUpdatePayload](updates[2])
	assert.Equal(t, "ann", last.UserID)
	assert.False(t, last.IsCorrect)
	assert.Equal(t, int64(200), last.Score)

	_, err := h.battle.SubmitAnswer(context.Background(), id, "ann", 3, "x", 0)
	assert.ErrorIs(t, err, domain.ErrConflict, "ann is done")
	_, err = h.battle.SubmitAnswer(context.Background(), id, "bob", 1, "Madrid", 0)
	assert.ErrorIs(t, err, domain.ErrConflict, "bob must answer question 0 first")
	_, err = h.battle.SubmitAnswer(context.Background(), id, "eve", 0, "Paris", 0)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	h.answer(t, id, "bob", 0, "Paris", 500)
	h.answer(t, id, "bob", 1, "Madrid", 500)
	out = h.answer(t, id, "bob", 2, "Rome", 500)
	assert.Equal(t, domain.DuelCompleted, out.Match.Status)
	require.NotNil(t, out.Match.Winner)
	assert.Equal(t, "bob", *out.Match.Winner)
	assert.NotNil(t, out.Match.CompletedAt)

	ended := h.rec.UserMessages("ann", ws.TypeDuelEnded)
	require.Len(t, ended, 1)
	p := realtimetest.Decode[ws.DuelEndedPayload](ended[0])
	require.NotNil(t, p.Winner)
	assert.Equal(t, "bob", *p.Winner)
	require.Len(t, p.FinalScores, 2)
	assert.Equal(t, int64(200), p.FinalScores[0].Score)
	assert.Equal(t, int64(300), p.FinalScores[1].Score)
	assert.Empty(t, p.Reason)
	assert.Empty(t, h.rec.Members(realtime.DuelRoom(id)))

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, achievement.EventDuelCompleted, ev.Type)
	assert.Equal(t, id, ev.SourceID)
	require.Len(t, ev.Results, 2)
	assert.False(t, ev.Results[0].Won)
	assert.True(t, ev.Results[1].Won)
	assert.InDelta(t, 100.0, ev.Results[1].Accuracy, 0.001)

	require.Len(t, h.results.reqs, 2)
	assert.Equal(t, leaderboard.RecordRequest{
		UserID: "bob", DisplayName: "name-bob", Score: 300, CorrectCount: 3, QuestionCount: 3, Won: true,
	}, h.results.reqs[1])

	_, err = h.battle.SubmitAnswer(context.Background(), id, "bob", 3, "x", 0)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSubmitAnswer_TieHasNoWinner(t *testing.T) {
	h := newHarness(t)
	id := h.pair(t, "ann", "bob")
	for i, a := range []string{"Paris", "Madrid", "Rome"} {
		h.answer(t, id, "ann", i, a, 1000)
		h.answer(t, id, "bob", i, a, 1000)
	}

	ended := h.rec.UserMessages("bob", ws.TypeDuelEnded)
	require.Len(t, ended, 1)
	assert.Nil(t, realtimetest.Decode[ws.DuelEndedPayload](ended[0]).Winner)
	for _, r := range h.results.reqs {
		assert.False(t, r.Won)
	}
}

func TestSubmitAnswer_ConcurrentSameIndex(t *testing.T) {
	h := newHarness(t)
	id := h.pair(t, "ann", "bob")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.battle.SubmitAnswer(context.Background(), id, "ann", 0, "Paris", 100)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, domain.ErrConflict)
		}
	}
	assert.Equal(t, 1, ok)
	m, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, m.Player1.Answers, 1)
	assert.Equal(t, int64(100), m.Player1.Score)
}

func TestHandleDisconnect_WaitingMatchIsDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.find(t, "capitals", "ann")

	h.battle.HandleDisconnect(ctx, "ann")
	_, err := h.repo.Get(ctx, res.MatchID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.notifier.events)
}

func TestHandleDisconnect_OpponentWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.pair(t, "ann", "bob")
	h.answer(t, id, "ann", 0, "Paris", 100)

	h.battle.HandleDisconnect(ctx, "ann")

	m, err := h.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelCompleted, m.Status)
	require.NotNil(t, m.Winner)
	assert.Equal(t, "bob", *m.Winner, "the remaining player wins regardless of score")
	assert.False(t, m.Player1.IsActive)

	dc := h.rec.UserMessages("bob", ws.TypeOpponentDisconnected)
	require.Len(t, dc, 1)
	assert.Equal(t, "ann", realtimetest.Decode[ws.OpponentDisconnectedPayload](dc[0]).UserID)
	ended := h.rec.UserMessages("bob", ws.TypeDuelEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonOpponentDisconnected, realtimetest.Decode[ws.DuelEndedPayload](ended[0]).Reason)
	assert.Len(t, h.notifier.events, 1)

	// late disconnect of the winner changes nothing
	h.battle.HandleDisconnect(ctx, "bob")
	m, err = h.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", *m.Winner)
	assert.Len(t, h.notifier.events, 1)
}

func TestHandleDisconnect_ReadyMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.find(t, "capitals", "ann")
	h.find(t, "capitals", "bob")

	h.battle.HandleDisconnect(ctx, "bob")
	m, err := h.repo.Get(ctx, res.MatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.DuelCompleted, m.Status)
	assert.Equal(t, "ann", *m.Winner)
}

func TestSnapshots_PinSurvivesQuizEdits(t *testing.T) {
	store, _ := ephemeraltest.New(t)
	src := quiz.NewFixtures(testQuiz())
	snaps := NewSnapshots(store, src, time.Hour, zerolog.Nop())
	ctx := context.Background()

	q, err := snaps.Fetch(ctx, "capitals")
	require.NoError(t, err)
	require.NoError(t, snaps.Save(ctx, "m1", q))

	// the source now serves different content under the same id
	edited := testQuiz()
	edited.Questions[0].CorrectAnswer = "Lyon"
	snaps.source = quiz.NewFixtures(edited)

	got, err := snaps.Load(ctx, "m1", "capitals")
	require.NoError(t, err)
	assert.Equal(t, "Paris", got.Questions[0].CorrectAnswer)

	snaps.Drop(ctx, "m1")
	got, err = snaps.Load(ctx, "m1", "capitals")
	require.NoError(t, err)
	assert.Equal(t, "Lyon", got.Questions[0].CorrectAnswer, "a missing pin is refetched")
}
