package ephemeral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quizarena/live/internal/domain"
)

const lockPoll = 20 * time.Millisecond

// Lock acquires a distributed mutex named name, waiting until ctx is done.
// The lock expires after ttl if the holder dies. The returned release only
// deletes the lock if it is still ours.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := s.Key("lock", name)
	token := uuid.NewString()

	for {
		opCtx, cancel := s.opCtx(ctx)
		acquired, err := s.rdb.SetNX(opCtx, key, token, ttl).Result()
		cancel()
		if err != nil {
			return nil, s.fail("lock", err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lock %s busy", domain.ErrUnavailable, name)
		case <-time.After(lockPoll):
		}
	}

	release := func() {
		relCtx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		defer cancel()
		if err := compareDeleteScript.Run(relCtx, s.rdb, []string{key}, token).Err(); err != nil {
			s.logger.Warn().Err(err).Str("lock", name).Msg("release lock")
		}
	}
	return release, nil
}
