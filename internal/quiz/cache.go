package quiz

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
)

const defaultCacheTTL = 10 * time.Minute

// Cache keeps fetched quizzes in the ephemeral store and collapses concurrent
// misses for the same id into one upstream call.
type Cache struct {
	store  *ephemeral.Store
	source Source
	ttl    time.Duration
	sf     singleflight.Group
	logger zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewCache(store *ephemeral.Store, source Source, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		store:  store,
		source: source,
		ttl:    ttl,
		logger: logger.With().Str("component", "quiz_cache").Logger(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Cache) key(id string) string { return c.store.Key("quiz", id) }

func (c *Cache) Quiz(ctx context.Context, id string) (*Quiz, error) {
	if q, ok := c.cached(ctx, id); ok {
		return q, nil
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		// Re-check in case another caller filled it.
		if q, ok := c.cached(ctx, id); ok {
			return q, nil
		}
		q, err := c.source.Quiz(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, c.key(id), q, c.ttlWithJitter()); err != nil {
			c.logger.Warn().Err(err).Str("quiz_id", id).Msg("quiz cache fill failed")
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	q := *result.(*Quiz)
	q.Questions = append([]Question(nil), q.Questions...)
	return &q, nil
}

func (c *Cache) cached(ctx context.Context, id string) (*Quiz, bool) {
	var q Quiz
	err := c.store.Get(ctx, c.key(id), &q)
	if err == nil {
		return &q, true
	}
	if !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn().Err(err).Str("quiz_id", id).Msg("quiz cache read failed")
	}
	return nil, false
}

func (c *Cache) ttlWithJitter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
