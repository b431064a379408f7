// Package ephemeraltest provides a miniredis backed Store for tests.
package ephemeraltest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/ephemeral"
)

// New starts an in-process Redis and returns a Store bound to it.
// Both are closed when the test ends.
func New(t testing.TB) (*ephemeral.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	store := ephemeral.NewStore(client, zerolog.Nop(), ephemeral.Options{
		KeyPrefix:  "test",
		OpTimeout:  5 * time.Second,
		CASRetries: 200,
	})
	return store, mr
}
