package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbarbosa30/selfclaw-pay/internal/store"
)

// SQLiteStore implements Store over the shared claims table. Every state
// transition is a single conditional UPDATE (or upsert), so two processes
// racing on the same identity cannot both take the lease.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(s *store.Store) *SQLiteStore {
	return &SQLiteStore{db: s.DB()}
}

func (s *SQLiteStore) TryClaim(ctx context.Context, benefit, identity, amount string) error {
	now := time.Now().Unix()

	// Upsert with a guarded DO UPDATE: affects one row iff the row is new
	// or currently unclaimed. Zero rows means someone else holds it.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (benefit, identity, status, amount, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(benefit, identity) DO UPDATE
		SET status = excluded.status, amount = excluded.amount, updated_at = excluded.updated_at
		WHERE claims.status = ?`,
		benefit, identity, StatusPending, amount, now, StatusUnclaimed,
	)
	if err != nil {
		return fmt.Errorf("try claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("try claim rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	st, err := s.Status(ctx, benefit, identity)
	if err != nil {
		return err
	}
	if st == StatusGranted {
		return ErrAlreadyClaimed
	}
	return ErrInProgress
}

func (s *SQLiteStore) Commit(ctx context.Context, benefit, identity, evidenceRef string) error {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE claims
		SET status = ?, evidence_ref = ?, claimed_at = ?, updated_at = ?
		WHERE benefit = ? AND identity = ? AND status = ?`,
		StatusGranted, evidenceRef, now, now, benefit, identity, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commit claim %s/%s: no pending lease", benefit, identity)
	}
	return nil
}

func (s *SQLiteStore) Rollback(ctx context.Context, benefit, identity string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE claims
		SET status = ?, updated_at = ?
		WHERE benefit = ? AND identity = ? AND status = ?`,
		StatusUnclaimed, time.Now().Unix(), benefit, identity, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("rollback claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rollback claim %s/%s: no pending lease", benefit, identity)
	}
	return nil
}

func (s *SQLiteStore) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE claims
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		StatusUnclaimed, time.Now().Unix(), StatusPending, olderThan.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Status(ctx context.Context, benefit, identity string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM claims WHERE benefit = ? AND identity = ?`,
		benefit, identity,
	).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusUnclaimed, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim status: %w", err)
	}
	return Status(st), nil
}

var _ Store = (*SQLiteStore)(nil)
