package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizarena/live/internal/domain"
)

// ErrCapacity is returned by HashPutBounded when the hash already holds max fields.
var ErrCapacity = fmt.Errorf("%w: capacity reached", domain.ErrConflict)

// PutResult describes what HashPutBounded did.
type PutResult int

const (
	PutCreated PutResult = iota
	PutExists
)

// KEYS[1]=hash ARGV[1]=field ARGV[2]=value ARGV[3]=max ARGV[4]=ttl ms
var boundedPutScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
if tonumber(ARGV[3]) > 0 and redis.call('HLEN', KEYS[1]) >= tonumber(ARGV[3]) then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// HashPutBounded adds field only if it is absent and the hash holds fewer than
// max fields. An existing field is left untouched and reported as PutExists.
func (s *Store) HashPutBounded(ctx context.Context, key, field string, v any, max int, ttl time.Duration) (PutResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := boundedPutScript.Run(ctx, s.rdb, []string{key}, field, data, max, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, s.fail("hput bounded", err)
	}
	switch res {
	case 1:
		return PutCreated, nil
	case 0:
		return PutExists, nil
	default:
		return 0, ErrCapacity
	}
}

// HashGet decodes one JSON field. Missing fields return domain.ErrNotFound.
func (s *Store) HashGet(ctx context.Context, key, field string, dst any) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s[%s]", domain.ErrNotFound, key, field)
	}
	if err != nil {
		return s.fail("hget", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s[%s]: %w", key, field, err)
	}
	return nil
}

// HashSet writes one JSON field.
func (s *Store) HashSet(ctx context.Context, key, field string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s[%s]: %w", key, field, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field, data)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return s.fail("hset", err)
	}
	return nil
}

// HashGetAll returns the raw field values.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.fail("hgetall", err)
	}
	return m, nil
}

// HashLen counts fields.
func (s *Store) HashLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, s.fail("hlen", err)
	}
	return n, nil
}

// HashIncr atomically adds delta to an integer field.
func (s *Store) HashIncr(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrBy(ctx, key, field, delta)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, s.fail("hincrby", err)
	}
	return incr.Val(), nil
}

// ListAppend pushes a JSON value to the tail of a list.
func (s *Store) ListAppend(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return s.fail("rpush", err)
	}
	return nil
}

// ListRange returns every element of a list in insertion order.
func (s *Store) ListRange(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, s.fail("lrange", err)
	}
	return vals, nil
}

// SetAdd adds member and reports whether it was newly added.
func (s *Store) SetAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var add *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.SAdd(ctx, key, member)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return false, s.fail("sadd", err)
	}
	return add.Val() == 1, nil
}

// SetRemove removes members.
func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return s.fail("srem", err)
	}
	return nil
}

// SetMembers lists members in no particular order.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, s.fail("smembers", err)
	}
	return m, nil
}

// SetIsMember reports membership.
func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, s.fail("sismember", err)
	}
	return ok, nil
}

// SetDrain returns every member and empties the set in one transaction.
// Members added after the drain land in the next drain.
func (s *Store) SetDrain(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var members *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		members = p.SMembers(ctx, key)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, s.fail("sdrain", err)
	}
	return members.Val(), nil
}
