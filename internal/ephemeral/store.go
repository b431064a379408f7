package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
)

// ErrCASConflict is returned by Update when every optimistic attempt lost to a concurrent writer.
var ErrCASConflict = fmt.Errorf("%w: concurrent update retries exhausted", domain.ErrConflict)

// Options configures a Store.
type Options struct {
	KeyPrefix  string
	OpTimeout  time.Duration
	CASRetries int
}

// Store is the shared, TTL-aware key/value layer every coordinator talks to.
// Values are JSON blobs; structured data uses hashes, lists, sets and sorted sets.
type Store struct {
	rdb        *redis.Client
	logger     zerolog.Logger
	prefix     string
	opTimeout  time.Duration
	casRetries int
}

// NewStore wraps a Redis client.
func NewStore(rdb *redis.Client, logger zerolog.Logger, opts Options) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}
	if opts.CASRetries <= 0 {
		opts.CASRetries = 16
	}
	return &Store{
		rdb:        rdb,
		logger:     logger.With().Str("component", "ephemeral").Logger(),
		prefix:     opts.KeyPrefix,
		opTimeout:  opts.OpTimeout,
		casRetries: opts.CASRetries,
	}
}

// Client exposes the underlying client for pub/sub.
func (s *Store) Client() *redis.Client { return s.rdb }

// Key joins parts under the configured prefix.
func (s *Store) Key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// fail maps a transport error to ErrUnavailable.
func (s *Store) fail(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", domain.ErrUnavailable, op, err)
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return redis.KeepTTL
	}
	return ttl
}

// Get decodes the JSON value at key into dst. Missing keys return domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string, dst any) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return s.fail("get", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Set stores v as JSON.
func (s *Store) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, data, expiry(ttl)).Err(); err != nil {
		return s.fail("set", err)
	}
	return nil
}

// SetIfAbsent stores v only when key does not exist.
func (s *Store) SetIfAbsent(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, s.fail("setnx", err)
	}
	return ok, nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return s.fail("del", err)
	}
	return nil
}

// Expire refreshes the TTL on every key in one round trip.
func (s *Store) Expire(ctx context.Context, ttl time.Duration, keys ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return s.fail("expire", err)
	}
	return nil
}

// Update performs an optimistic read-modify-write on key. fn receives the
// current raw value (nil when absent) and returns the replacement; returning
// a nil slice leaves the key untouched. An error from fn aborts the update
// and is returned as is.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	return s.update(ctx, key, "", ttl, fn)
}

// UpdateVersioned is Update that also increments the counter at revKey in
// the same transaction, so the revision never lags the write it covers.
func (s *Store) UpdateVersioned(ctx context.Context, key, revKey string, ttl time.Duration, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	return s.update(ctx, key, revKey, ttl, fn)
}

func (s *Store) update(ctx context.Context, key, revKey string, ttl time.Duration, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	var (
		out   []byte
		fnErr error
	)
	for attempt := 0; attempt < s.casRetries; attempt++ {
		fnErr = nil
		opCtx, cancel := s.opCtx(ctx)
		err := s.rdb.Watch(opCtx, func(tx *redis.Tx) error {
			cur, err := tx.Get(opCtx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				cur = nil
			} else if err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				fnErr = err
				return err
			}
			if next == nil {
				out = cur
				return nil
			}
			_, err = tx.TxPipelined(opCtx, func(p redis.Pipeliner) error {
				p.Set(opCtx, key, next, expiry(ttl))
				if revKey != "" {
					p.Incr(opCtx, revKey)
					if ttl > 0 {
						p.Expire(opCtx, revKey, ttl)
					}
				}
				return nil
			})
			if err == nil {
				out = next
			}
			return err
		}, key)
		cancel()
		if fnErr != nil {
			return nil, fnErr
		}
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, s.fail("update", err)
		}
		s.logger.Debug().Str("key", key).Int("attempt", attempt).Msg("cas retry")
	}
	return nil, ErrCASConflict
}

// UpdateJSON is Update for JSON encoded values. A missing key yields domain.ErrNotFound
// before fn runs. fn returning ErrSkip leaves the value unchanged.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fn func(v *T) error) (*T, error) {
	return updateJSON(ctx, s, key, "", ttl, fn)
}

// UpdateJSONVersioned is UpdateJSON with the revision increment of UpdateVersioned.
func UpdateJSONVersioned[T any](ctx context.Context, s *Store, key, revKey string, ttl time.Duration, fn func(v *T) error) (*T, error) {
	return updateJSON(ctx, s, key, revKey, ttl, fn)
}

func updateJSON[T any](ctx context.Context, s *Store, key, revKey string, ttl time.Duration, fn func(v *T) error) (*T, error) {
	var result T
	raw, err := s.update(ctx, key, revKey, ttl, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
		}
		var v T
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if err := fn(&v); err != nil {
			if errors.Is(err, ErrSkip) {
				return nil, nil
			}
			return nil, err
		}
		return json.Marshal(&v)
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &result, nil
}

// ErrSkip tells UpdateJSON to keep the stored value.
var ErrSkip = errors.New("skip update")

// Incr increments an integer counter and returns the new value.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, s.fail("incr", err)
	}
	return incr.Val(), nil
}

// GetInt reads an integer counter, 0 when absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("get", err)
	}
	return v, nil
}
