// Package challenge issues time-boxed payment challenges and validates the
// signed proofs that answer them. A nonce is single-use: once consumed it is
// tracked in a separate replay set so it can still be rejected as "seen"
// after it leaves the active set.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbarbosa30/selfclaw-pay/internal/auth"
	"github.com/mbarbosa30/selfclaw-pay/internal/x402"
)

const (
	// TTL bounds both how long an issued challenge stays payable and how
	// long a consumed nonce is remembered for replay rejection.
	TTL = 5 * time.Minute

	// ClockSkewAllowance tolerates proof timestamps slightly in the future.
	ClockSkewAllowance = 30 * time.Second

	sweepInterval = 60 * time.Second
	nonceBytes    = 16
)

// Challenge is a quoted price bound to a single payment attempt.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Price     string `json:"price"`
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Network   string `json:"network"`
	IssuedAt  int64  `json:"issued_at"` // epoch ms
	Endpoint  string `json:"endpoint"`
	OwnerID   string `json:"owner_id"`
}

// Registry holds active challenges and the consumed-nonce set.
// All state is injected at construction; multiple isolated instances are
// safe to run side by side (tests, multi-tenant).
type Registry struct {
	mu     sync.Mutex
	active map[string]*Challenge
	guard  ReplayGuard
	now    func() time.Time
	log    *zap.Logger
}

// NewRegistry builds a registry using guard as the consumed-nonce set.
// Pass NewMemoryGuard() for single-instance deployments or NewRedisGuard
// to share the replay set across instances.
func NewRegistry(guard ReplayGuard, log *zap.Logger) *Registry {
	return &Registry{
		active: make(map[string]*Challenge),
		guard:  guard,
		now:    time.Now,
		log:    log,
	}
}

// Issue creates a challenge for an unpaid request and stores it in the
// active set. The nonce carries 128 bits of entropy.
func (r *Registry) Issue(endpoint, ownerID, price, recipient, token, network string) (*Challenge, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ch := &Challenge{
		Nonce:     hex.EncodeToString(buf),
		Price:     price,
		Recipient: recipient,
		Token:     token,
		Network:   network,
		IssuedAt:  r.now().UnixMilli(),
		Endpoint:  endpoint,
		OwnerID:   ownerID,
	}

	r.mu.Lock()
	r.active[ch.Nonce] = ch
	r.mu.Unlock()
	return ch, nil
}

// ValidateAndConsume checks a payment proof against its challenge and, on
// success, moves the nonce from the active set to the consumed set.
//
// Check order is part of the contract: unknown nonce, replay, amount
// binding, expiry, then signature. A valid signature over the wrong amount
// still fails AmountMismatch.
func (r *Registry) ValidateAndConsume(ctx context.Context, nonce, amount string, timestamp int64, payer, sigHex string) (*Challenge, *x402.Error) {
	r.mu.Lock()
	ch, ok := r.active[nonce]
	r.mu.Unlock()

	if !ok {
		seen, err := r.guard.Seen(ctx, nonce)
		if err != nil {
			return nil, x402.Errf(x402.CodeUnknownChallenge, "replay check failed")
		}
		if seen {
			return nil, x402.Errf(x402.CodeAlreadyProcessed, "nonce %s already consumed", nonce)
		}
		return nil, x402.Errf(x402.CodeUnknownChallenge, "no active challenge for nonce %s", nonce)
	}

	if amount != ch.Price {
		return nil, x402.Errf(x402.CodeAmountMismatch, "expected %s, got %s", ch.Price, amount)
	}

	// Expiry binds to the challenge's issuance time, not just the
	// payer-supplied proof timestamp: a fresh timestamp cannot revive a
	// stale challenge still awaiting the sweep.
	now := r.now()
	if now.Sub(time.UnixMilli(ch.IssuedAt)) > TTL {
		return nil, x402.Errf(x402.CodeExpired, "challenge for nonce %s expired", nonce)
	}
	age := now.Sub(time.UnixMilli(timestamp))
	if age > TTL || age < -ClockSkewAllowance {
		return nil, x402.Errf(x402.CodeExpired, "proof timestamp outside validity window")
	}

	msg := x402.PaymentMessage(nonce, amount, ch.Recipient, timestamp)
	if !auth.VerifyHex(msg, sigHex, payer) {
		return nil, x402.Errf(x402.CodeBadSignature, "signature does not match payer %s", payer)
	}

	// Mark consumed before removing from the active set. A guard failure
	// rejects the payment and leaves the challenge payable, rather than
	// accepting it with replay protection silently degraded.
	if err := r.guard.MarkConsumed(ctx, nonce, TTL); err != nil {
		r.log.Error("mark consumed failed", zap.String("nonce", nonce), zap.Error(err))
		return nil, x402.Errf(x402.CodeUnknownChallenge, "replay guard unavailable, retry")
	}

	r.mu.Lock()
	// Re-check under the lock: a concurrent call may have consumed it.
	if _, still := r.active[nonce]; !still {
		r.mu.Unlock()
		return nil, x402.Errf(x402.CodeAlreadyProcessed, "nonce %s already consumed", nonce)
	}
	delete(r.active, nonce)
	r.mu.Unlock()
	return ch, nil
}

// Run sweeps expired active challenges on a fixed interval until ctx is
// cancelled. Consumed-set expiry is handled by the guard itself.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				r.log.Debug("swept expired challenges", zap.Int("count", n))
			}
			r.guard.Sweep(r.now())
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweep() int {
	cutoff := r.now().Add(-TTL).UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int
	for nonce, ch := range r.active {
		if ch.IssuedAt < cutoff {
			delete(r.active, nonce)
			purged++
		}
	}
	return purged
}

// ActiveCount reports the current number of unconsumed challenges.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
