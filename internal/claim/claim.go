// Package claim provides exactly-once allocation of a scarce one-time
// benefit (gas subsidy, sponsorship slot, wallet registration) per identity.
//
// Correctness property: for a fixed (benefit, identity), the external grant
// side effect executes with effect at most once over all time and all
// concurrent callers, even if a process crashes mid-allocation. This rests
// on TryClaim being a single conditional write, never read-then-write.
package claim

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Status is the per-identity claim state. Failed claims roll back to
// Unclaimed, so only three states are ever stored.
type Status string

const (
	StatusUnclaimed Status = "unclaimed"
	StatusPending   Status = "pending"
	StatusGranted   Status = "granted"
)

var (
	// ErrAlreadyClaimed means the benefit was granted before; permanent.
	ErrAlreadyClaimed = errors.New("benefit already claimed")
	// ErrInProgress means another caller holds the pending lease; retry later.
	ErrInProgress = errors.New("claim in progress")
)

// Store is the durable claim table. TryClaim must be implemented as an
// atomic compare-and-swap on the stored status, not a read followed by a
// separate write.
type Store interface {
	// TryClaim flips (benefit, identity) to pending iff it is currently
	// unclaimed (or absent). Returns ErrAlreadyClaimed or ErrInProgress
	// when the lease cannot be taken.
	TryClaim(ctx context.Context, benefit, identity, amount string) error
	// Commit flips pending → granted and records the external evidence.
	Commit(ctx context.Context, benefit, identity, evidenceRef string) error
	// Rollback flips pending → unclaimed, enabling a legitimate retry.
	Rollback(ctx context.Context, benefit, identity string) error
	// RecoverStale resets pending rows untouched since olderThan back to
	// unclaimed, freeing benefits stranded by a crashed process.
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
	// Status reads the current state; StatusUnclaimed when absent.
	Status(ctx context.Context, benefit, identity string) (Status, error)
}

// RecoveryWindow is how long a pending lease may sit untouched before it is
// treated as abandoned rather than in-flight.
const RecoveryWindow = 10 * time.Minute

// Allocator binds a Store to one benefit type.
type Allocator struct {
	store   Store
	benefit string
	amount  string
	log     *zap.Logger
}

func NewAllocator(store Store, benefit, amount string, log *zap.Logger) *Allocator {
	return &Allocator{store: store, benefit: benefit, amount: amount, log: log}
}

// Benefit returns the benefit key this allocator manages.
func (a *Allocator) Benefit() string { return a.benefit }

// Amount is the configured benefit size (decimal string).
func (a *Allocator) Amount() string { return a.amount }

// Grant runs the full claim protocol: take the lease, perform the external
// side effect, then commit with its evidence or roll back on failure.
// The returned evidenceRef is non-empty only on a fresh successful grant.
func (a *Allocator) Grant(ctx context.Context, identity string, sideEffect func(ctx context.Context) (evidenceRef string, err error)) (string, error) {
	if err := a.store.TryClaim(ctx, a.benefit, identity, a.amount); err != nil {
		return "", err
	}

	evidenceRef, err := sideEffect(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Outcome unknown: the side effect may have landed. Keep the
			// pending lease so an immediate retry cannot execute it again;
			// the stale-lease recovery window reopens it after
			// reconciliation time has passed.
			a.log.Error("claim side effect outcome unknown, lease held",
				zap.String("benefit", a.benefit),
				zap.String("identity", identity),
				zap.Error(err),
			)
			return "", err
		}
		if rbErr := a.store.Rollback(ctx, a.benefit, identity); rbErr != nil {
			// The recovery loop will free the stranded lease.
			a.log.Error("claim rollback failed",
				zap.String("benefit", a.benefit),
				zap.String("identity", identity),
				zap.Error(rbErr),
			)
		}
		return "", err
	}

	if err := a.store.Commit(ctx, a.benefit, identity, evidenceRef); err != nil {
		return "", err
	}
	a.log.Info("benefit granted",
		zap.String("benefit", a.benefit),
		zap.String("identity", identity),
		zap.String("evidence", evidenceRef),
	)
	return evidenceRef, nil
}

// Status reports the current claim state for identity.
func (a *Allocator) Status(ctx context.Context, identity string) (Status, error) {
	return a.store.Status(ctx, a.benefit, identity)
}

// RunRecovery periodically resets abandoned pending leases until ctx is
// cancelled. Interval should be a fraction of RecoveryWindow.
func RunRecovery(ctx context.Context, store Store, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := store.RecoverStale(ctx, time.Now().Add(-RecoveryWindow))
			if err != nil {
				log.Error("claim recovery sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Warn("recovered stranded claim leases", zap.Int64("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
