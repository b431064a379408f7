package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/internal/domain"
)

type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	a := m.Called(ctx, sql, args)
	return a.Get(0).(pgconn.CommandTag), a.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	a := m.Called(ctx, sql, args)
	rows, _ := a.Get(0).(pgx.Rows)
	return rows, a.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.Called(ctx, sql, args).Get(0).(pgx.Row)
}

func (m *mockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	a := m.Called(ctx)
	tx, _ := a.Get(0).(pgx.Tx)
	return tx, a.Error(1)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func TestDuelRepository_ClaimLostRaceIsConflict(t *testing.T) {
	db := new(mockDB)
	repo := NewDuelRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	_, err := repo.Claim(context.Background(), "m1", domain.DuelPlayer{UserID: "u2"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	db.AssertExpectations(t)
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestDuelRepository_DeleteIfWaiting(t *testing.T) {
	db := new(mockDB)
	repo := NewDuelRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"m1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil).Once()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"m2"}).
		Return(pgconn.NewCommandTag("DELETE 0"), nil).Once()

	ok, err := repo.DeleteIfWaiting(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DeleteIfWaiting(context.Background(), "m2")
	require.NoError(t, err)
	assert.False(t, ok)
	db.AssertExpectations(t)
}

func TestDuelRepository_GetMissingIsNotFound(t *testing.T) {
	db := new(mockDB)
	repo := NewDuelRepository(db)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"nope"}).Return(errRow{err: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionRepository_PurgeReturnsAffectedRows(t *testing.T) {
	db := new(mockDB)
	repo := NewSessionRepository(db)
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	n, err := repo.DeleteCompletedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSnapshotRepository_LatestWithoutRows(t *testing.T) {
	db := new(mockDB)
	repo := NewSnapshotRepository(db)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"daily"}).Return(errRow{err: pgx.ErrNoRows})

	data, err := repo.LatestLeaderboardSnapshot(context.Background(), "daily")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil, "x"))
	assert.ErrorIs(t, mapErr(pgx.ErrNoRows, "x"), domain.ErrNotFound)
	assert.ErrorIs(t, mapErr(context.DeadlineExceeded, "x"), domain.ErrUnavailable)

	other := errors.New("boom")
	assert.ErrorIs(t, mapErr(other, "x"), other)
}
