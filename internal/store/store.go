// Package store owns the SQLite database shared by the escrow engine and
// the claim-once allocator. Both rely on single-statement conditional
// updates, so the store is safe across multiple process instances pointed
// at the same file.
package store

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use "file::memory:?cache=shared" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDSN opens with a raw DSN, no option suffix appended.
func OpenDSN(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle to sibling packages.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS escrow_requirements (
			nonce TEXT PRIMARY KEY,
			pay_to TEXT NOT NULL,
			amount TEXT NOT NULL,
			token TEXT NOT NULL,
			token_symbol TEXT NOT NULL,
			description TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			seller_address TEXT NOT NULL,
			buyer_public_key TEXT,
			skill_id TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settlements (
			nonce TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			counterparty TEXT NOT NULL,
			amount TEXT NOT NULL,
			token TEXT NOT NULL,
			tx_hash TEXT,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS claims (
			benefit TEXT NOT NULL,
			identity TEXT NOT NULL,
			status TEXT NOT NULL,
			evidence_ref TEXT,
			amount TEXT,
			claimed_at INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (benefit, identity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status, updated_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}
