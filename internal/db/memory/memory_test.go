package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/internal/domain"
)

func TestSessions_VersionGuardAndIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewSessions()
	now := time.Now().UTC()

	snap := func(version, score int64, status string) domain.SessionSnapshot {
		return domain.SessionSnapshot{
			Session:      domain.Session{Code: "ABCDEF", Status: status, UpdatedAt: now},
			Participants: []domain.Participant{{UserID: "u1", Score: score}},
			Answers:      []domain.AnswerRecord{{UserID: "u1", QuestionID: "a", Points: 10}},
			Version:      version,
		}
	}

	require.NoError(t, s.UpsertSnapshot(ctx, snap(4, 20, domain.SessionActive)))
	require.NoError(t, s.UpsertSnapshot(ctx, snap(4, 20, domain.SessionActive)))
	require.NoError(t, s.UpsertSnapshot(ctx, snap(2, 10, domain.SessionWaiting)))

	got, err := s.GetSnapshot(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Session.Status)
	assert.Equal(t, int64(20), got.Participants[0].Score)
	assert.Len(t, got.Answers, 1)

	ended := snap(5, 20, domain.SessionCompleted)
	past := now.Add(-10 * 24 * time.Hour)
	ended.Session.EndedAt = &past
	require.NoError(t, s.UpsertSnapshot(ctx, ended))
	n, err := s.DeleteCompletedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSnapshot(ctx, "ABCDEF")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessions_SameVersionKeepsFirstWrite(t *testing.T) {
	ctx := context.Background()
	s := NewSessions()

	first := domain.SessionSnapshot{
		Session:      domain.Session{Code: "QWERTY", Status: domain.SessionActive, CurrentQuestionIndex: 1},
		Participants: []domain.Participant{{UserID: "u1", Score: 30}},
		Version:      7,
	}
	require.NoError(t, s.UpsertSnapshot(ctx, first))

	other := first
	other.Session.CurrentQuestionIndex = 0
	other.Participants = []domain.Participant{{UserID: "u1", Score: 10}}
	require.NoError(t, s.UpsertSnapshot(ctx, other))

	got, err := s.GetSnapshot(ctx, "QWERTY")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Session.CurrentQuestionIndex)
	assert.Equal(t, int64(30), got.Participants[0].Score)

	newer := other
	newer.Version = 8
	require.NoError(t, s.UpsertSnapshot(ctx, newer))
	got, err = s.GetSnapshot(ctx, "QWERTY")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Participants[0].Score)
	assert.Equal(t, int64(8), got.Version)
}

func TestDuels_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	d := NewDuels()
	require.NoError(t, d.Create(ctx, &domain.DuelMatch{ID: "m1", QuizID: "q", Status: domain.DuelWaiting, Player1: domain.DuelPlayer{UserID: "p1"}}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Claim(ctx, "m1", domain.DuelPlayer{UserID: fmt.Sprintf("c%d", i)})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrConflict))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	ok, err := d.DeleteIfWaiting(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuels_FindOldestWaitingAndStale(t *testing.T) {
	ctx := context.Background()
	d := NewDuels()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, d.Create(ctx, &domain.DuelMatch{ID: "new", QuizID: "q", Status: domain.DuelWaiting, Player1: domain.DuelPlayer{UserID: "a"}, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, d.Create(ctx, &domain.DuelMatch{ID: "old", QuizID: "q", Status: domain.DuelWaiting, Player1: domain.DuelPlayer{UserID: "b"}, CreatedAt: old, UpdatedAt: old}))
	require.NoError(t, d.Create(ctx, &domain.DuelMatch{ID: "other", QuizID: "z", Status: domain.DuelWaiting, Player1: domain.DuelPlayer{UserID: "c"}, CreatedAt: old, UpdatedAt: old}))

	m, err := d.FindOldestWaiting(ctx, "q", "x")
	require.NoError(t, err)
	assert.Equal(t, "old", m.ID)

	m, err = d.FindOldestWaiting(ctx, "q", "b")
	require.NoError(t, err)
	assert.Equal(t, "new", m.ID)

	n, err := d.DeleteStale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	open, err := d.FindOpenByUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDuels_UpdateErrorLeavesRecord(t *testing.T) {
	ctx := context.Background()
	d := NewDuels()
	require.NoError(t, d.Create(ctx, &domain.DuelMatch{ID: "m1", Status: domain.DuelActive, Player1: domain.DuelPlayer{UserID: "p1"}}))

	boom := errors.New("boom")
	_, err := d.Update(ctx, "m1", func(m *domain.DuelMatch) error {
		m.Player1.Score = 100
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m, err := d.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Player1.Score)
}
