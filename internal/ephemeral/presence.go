package ephemeral

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// compare-and-delete; shared with the lock release
var compareDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Presence tracks which connection currently represents each user.
// A user is live while presence:{userId} exists.
type Presence struct {
	store *Store
	ttl   time.Duration
}

// NewPresence builds a presence tracker with the given liveness TTL.
func NewPresence(store *Store, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Presence{store: store, ttl: ttl}
}

func (p *Presence) key(userID string) string {
	return p.store.Key("presence", userID)
}

// Mark records connRef as the user's live connection, replacing any previous one.
func (p *Presence) Mark(ctx context.Context, userID, connRef string) error {
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	if err := p.store.rdb.Set(ctx, p.key(userID), connRef, p.ttl).Err(); err != nil {
		return p.store.fail("presence mark", err)
	}
	return nil
}

// Touch extends the TTL if connRef is still the live connection.
func (p *Presence) Touch(ctx context.Context, userID, connRef string) error {
	ref, ok, err := p.Get(ctx, userID)
	if err != nil || !ok || ref != connRef {
		return err
	}
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	if err := p.store.rdb.Expire(ctx, p.key(userID), p.ttl).Err(); err != nil {
		return p.store.fail("presence touch", err)
	}
	return nil
}

// Clear removes presence only if connRef still owns it, so a stale socket
// closing late cannot evict a newer one.
func (p *Presence) Clear(ctx context.Context, userID, connRef string) error {
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	if err := compareDeleteScript.Run(ctx, p.store.rdb, []string{p.key(userID)}, connRef).Err(); err != nil {
		return p.store.fail("presence clear", err)
	}
	return nil
}

// Get returns the user's live connection reference.
func (p *Presence) Get(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := p.store.opCtx(ctx)
	defer cancel()
	ref, err := p.store.rdb.Get(ctx, p.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, p.store.fail("presence get", err)
	}
	return ref, true, nil
}

// IsLive reports whether connRef is still the user's live connection.
// An empty connRef matches any live connection.
func (p *Presence) IsLive(ctx context.Context, userID, connRef string) (bool, error) {
	ref, ok, err := p.Get(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return connRef == "" || ref == connRef, nil
}
