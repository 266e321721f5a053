package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard is the consumed-nonce set. A nonce must stay rejectable as
// "seen" for the replay window even after it leaves the active set.
type ReplayGuard interface {
	// MarkConsumed records a nonce as spent for ttl.
	MarkConsumed(ctx context.Context, nonce string, ttl time.Duration) error
	// Seen reports whether a nonce was already consumed.
	Seen(ctx context.Context, nonce string) (bool, error)
	// Sweep drops entries that have outlived their ttl. A no-op for
	// backends with native expiry.
	Sweep(now time.Time)
}

// MemoryGuard is the single-instance default.
type MemoryGuard struct {
	mu       sync.Mutex
	consumed map[string]time.Time // nonce → expiry
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{consumed: make(map[string]time.Time)}
}

func (g *MemoryGuard) MarkConsumed(_ context.Context, nonce string, ttl time.Duration) error {
	g.mu.Lock()
	g.consumed[nonce] = time.Now().Add(ttl)
	g.mu.Unlock()
	return nil
}

func (g *MemoryGuard) Seen(_ context.Context, nonce string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.consumed[nonce]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(g.consumed, nonce)
		return false, nil
	}
	return true, nil
}

func (g *MemoryGuard) Sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for nonce, exp := range g.consumed {
		if now.After(exp) {
			delete(g.consumed, nonce)
		}
	}
}

// RedisGuard shares the consumed set across process instances via SET NX
// with TTL, so any replica rejects a replayed nonce.
type RedisGuard struct {
	rdb *redis.Client
}

const redisNoncePrefix = "x402:consumed:"

func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb}
}

func (g *RedisGuard) MarkConsumed(ctx context.Context, nonce string, ttl time.Duration) error {
	return g.rdb.SetNX(ctx, redisNoncePrefix+nonce, 1, ttl).Err()
}

func (g *RedisGuard) Seen(ctx context.Context, nonce string) (bool, error) {
	n, err := g.rdb.Exists(ctx, redisNoncePrefix+nonce).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Sweep is a no-op: Redis expires keys natively.
func (g *RedisGuard) Sweep(time.Time) {}
