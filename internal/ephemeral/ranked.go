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

// Ranked sets store score<<32 | (2^32-1-seq) so that equal scores order by
// the arrival sequence at which the member reached that score. Scores must
// stay below 2^21 for the composite to remain exact in a float64.
const seqBits = 32

// Ranked is one member of a ranked set.
type Ranked struct {
	Member string
	Score  int64
}

// KEYS[1]=zset KEYS[2]=seq ARGV[1]=member ARGV[2]=delta ARGV[3]=ttl ms
var rankedIncrScript = redis.NewScript(`
local delta = tonumber(ARGV[2])
if delta < 0 then
	return redis.error_reply('negative delta')
end
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
local score = 0
if cur then
	score = math.floor(tonumber(cur) / 4294967296)
end
if cur and delta == 0 then
	return score
end
local nextScore = score + delta
local seq = redis.call('INCR', KEYS[2]) % 4294967296
local composite = nextScore * 4294967296 + (4294967295 - seq)
redis.call('ZADD', KEYS[1], string.format('%.0f', composite), ARGV[1])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return nextScore
`)

// ErrNegativeDelta is returned for score decrements.
var ErrNegativeDelta = fmt.Errorf("%w: negative score delta", domain.ErrInvalid)

func seqKey(key string) string { return key + ":seq" }

// RankedIncrement atomically adds delta to member's score and returns the new score.
// Concurrent increments never lose updates.
func (s *Store) RankedIncrement(ctx context.Context, key, member string, delta int64, ttl time.Duration) (int64, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	score, err := rankedIncrScript.Run(ctx, s.rdb, []string{key, seqKey(key)}, member, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, s.fail("ranked incr", err)
	}
	return score, nil
}

// RankedInit inserts member with score 0 unless it is already present.
func (s *Store) RankedInit(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.RankedIncrement(ctx, key, member, 0, ttl)
	return err
}

func decodeScore(z float64) int64 {
	return int64(z) >> seqBits
}

// RankedTopN returns the n highest members, highest first. n <= 0 returns all.
func (s *Store) RankedTopN(ctx context.Context, key string, n int) ([]Ranked, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n) - 1
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	zs, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, s.fail("zrevrange", err)
	}
	out := make([]Ranked, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, Ranked{Member: member, Score: decodeScore(z.Score)})
	}
	return out, nil
}

// RankedScore returns member's score; ok is false when absent.
func (s *Store) RankedScore(ctx context.Context, key, member string) (int64, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	z, err := s.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.fail("zscore", err)
	}
	return decodeScore(z), true, nil
}

// RankedRank returns member's 1-based rank; 0 when absent.
func (s *Store) RankedRank(ctx context.Context, key, member string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	r, err := s.rdb.ZRevRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("zrevrank", err)
	}
	return r + 1, nil
}

// RankedKeys lists the keys backing a ranked set, for TTL refresh and deletion.
func RankedKeys(key string) []string {
	return []string{key, seqKey(key)}
}

// ScoreOnce is one guarded scoring write: a marker that may be added only
// once, a log entry, a counter and a ranked increment, plus a revision bump.
type ScoreOnce struct {
	GuardKey     string
	GuardMember  string
	LogKey       string
	LogEntry     any
	CounterKey   string
	CounterField string
	RankedKey    string
	Member       string
	Delta        int64
	RevKey       string
	TTL          time.Duration
}

// ErrAlreadyScored is returned by ApplyScoreOnce when the guard member exists.
var ErrAlreadyScored = fmt.Errorf("%w: already scored", domain.ErrConflict)

// Key types are checked before the first write so a failing script never
// leaves the guard set without the rest.
// KEYS: guard, log, counters, zset, seq, rev
// ARGV: guardMember, logEntry, counterField, member, delta, ttl ms
var scoreOnceScript = redis.NewScript(`
local expected = {'set', 'list', 'hash', 'zset', 'string', 'string'}
for i, k in ipairs(KEYS) do
	local t = redis.call('TYPE', k)
	if type(t) == 'table' then
		t = t['ok']
	end
	if t ~= 'none' and t ~= expected[i] then
		return redis.error_reply('WRONGTYPE ' .. k .. ' holds ' .. t)
	end
end
local delta = tonumber(ARGV[5])
if delta < 0 then
	return redis.error_reply('negative delta')
end
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	return -1
end
local cur = redis.call('ZSCORE', KEYS[4], ARGV[4])
local score = 0
if cur then
	score = math.floor(tonumber(cur) / 4294967296)
end
local nextScore = score + delta
if delta > 0 or not cur then
	local seq = redis.call('INCR', KEYS[5]) % 4294967296
	local composite = nextScore * 4294967296 + (4294967295 - seq)
	redis.call('ZADD', KEYS[4], string.format('%.0f', composite), ARGV[4])
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('HINCRBY', KEYS[3], ARGV[3], 1)
redis.call('INCR', KEYS[6])
if tonumber(ARGV[6]) > 0 then
	for _, k in ipairs(KEYS) do
		redis.call('PEXPIRE', k, ARGV[6])
	end
end
return nextScore
`)

// ApplyScoreOnce runs every write of op atomically and returns the member's
// new score. Either all writes land or none do.
func (s *Store) ApplyScoreOnce(ctx context.Context, op ScoreOnce) (int64, error) {
	if op.Delta < 0 {
		return 0, ErrNegativeDelta
	}
	entry, err := json.Marshal(op.LogEntry)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", op.LogKey, err)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	keys := []string{op.GuardKey, op.LogKey, op.CounterKey, op.RankedKey, seqKey(op.RankedKey), op.RevKey}
	score, err := scoreOnceScript.Run(ctx, s.rdb, keys,
		op.GuardMember, entry, op.CounterField, op.Member, op.Delta, op.TTL.Milliseconds()).Int64()
	if err != nil {
		return 0, s.fail("score once", err)
	}
	if score < 0 {
		return 0, ErrAlreadyScored
	}
	return score, nil
}
