package claim

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store for single-process deployments and tests.
// The mutex plays the role of the database's row-level locking.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[memKey]*memRow
}

type memKey struct{ benefit, identity string }

type memRow struct {
	status      Status
	evidenceRef string
	amount      string
	updatedAt   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memKey]*memRow)}
}

func (s *MemoryStore) TryClaim(_ context.Context, benefit, identity, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{benefit, identity}
	row, ok := s.rows[k]
	if !ok {
		s.rows[k] = &memRow{status: StatusPending, amount: amount, updatedAt: time.Now()}
		return nil
	}
	switch row.status {
	case StatusUnclaimed:
		row.status = StatusPending
		row.amount = amount
		row.updatedAt = time.Now()
		return nil
	case StatusGranted:
		return ErrAlreadyClaimed
	default:
		return ErrInProgress
	}
}

func (s *MemoryStore) Commit(_ context.Context, benefit, identity, evidenceRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[memKey{benefit, identity}]
	if !ok || row.status != StatusPending {
		return fmt.Errorf("commit claim %s/%s: no pending lease", benefit, identity)
	}
	row.status = StatusGranted
	row.evidenceRef = evidenceRef
	row.updatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Rollback(_ context.Context, benefit, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[memKey{benefit, identity}]
	if !ok || row.status != StatusPending {
		return fmt.Errorf("rollback claim %s/%s: no pending lease", benefit, identity)
	}
	row.status = StatusUnclaimed
	row.updatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.rows {
		if row.status == StatusPending && row.updatedAt.Before(olderThan) {
			row.status = StatusUnclaimed
			row.updatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Status(_ context.Context, benefit, identity string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[memKey{benefit, identity}]
	if !ok {
		return StatusUnclaimed, nil
	}
	return row.status, nil
}

var _ Store = (*MemoryStore)(nil)
