// Package ledger records verified payments per resource owner and computes
// the platform-fee split. Records are append-only: corrections are future
// records, never edits, preserving an auditable trail.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Record is one payment folded in from a validated proof.
type Record struct {
	ID          string          `json:"id"`
	Signature   string          `json:"signature"`
	Amount      decimal.Decimal `json:"amount"`
	Payer       string          `json:"payer"`
	Nonce       string          `json:"nonce"`
	Timestamp   int64           `json:"timestamp"`
	Verified    bool            `json:"verified"`
	Endpoint    string          `json:"endpoint"`
	OwnerID     string          `json:"owner_id"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Totals aggregates an owner's verified records.
type Totals struct {
	Gross decimal.Decimal `json:"gross"`
	Fees  decimal.Decimal `json:"fees"`
	Net   decimal.Decimal `json:"net"`
}

// Ledger is an in-process, mutex-guarded record store keyed by owner.
type Ledger struct {
	mu      sync.Mutex
	byOwner map[string][]*Record
	feeBps  int64
}

func New(feeBps int64) *Ledger {
	return &Ledger{
		byOwner: make(map[string][]*Record),
		feeBps:  feeBps,
	}
}

// FeeBps returns the configured platform fee in basis points.
func (l *Ledger) FeeBps() int64 { return l.feeBps }

// Split computes (fee, net) for a decimal amount string at the ledger's fee
// rate. Exact decimal arithmetic: 100.00 at 300 bps is 3.00 / 97.00 with no
// rounding drift.
func (l *Ledger) Split(amount string) (fee, net decimal.Decimal, err error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	fee = amt.Mul(decimal.New(l.feeBps, -4)) // bps/10000
	return fee, amt.Sub(fee), nil
}

// Append records a payment against ownerID and returns the stored record.
func (l *Ledger) Append(ownerID, amount, payer, nonce, signature, endpoint string, timestamp int64, verified bool) (*Record, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	fee, net, err := l.Split(amount)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.NewString(),
		Signature:   signature,
		Amount:      amt,
		Payer:       payer,
		Nonce:       nonce,
		Timestamp:   timestamp,
		Verified:    verified,
		Endpoint:    endpoint,
		OwnerID:     ownerID,
		PlatformFee: fee,
		NetAmount:   net,
		ReceivedAt:  time.Now(),
	}

	l.mu.Lock()
	l.byOwner[ownerID] = append(l.byOwner[ownerID], rec)
	l.mu.Unlock()
	return rec, nil
}

// TotalsFor sums only verified records for ownerID.
func (l *Ledger) TotalsFor(ownerID string) Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := Totals{Gross: decimal.Zero, Fees: decimal.Zero, Net: decimal.Zero}
	for _, rec := range l.byOwner[ownerID] {
		if !rec.Verified {
			continue
		}
		t.Gross = t.Gross.Add(rec.Amount)
		t.Fees = t.Fees.Add(rec.PlatformFee)
		t.Net = t.Net.Add(rec.NetAmount)
	}
	return t
}

// RecordsFor returns a copy of the owner's record slice (records themselves
// are never mutated after insertion).
func (l *Ledger) RecordsFor(ownerID string) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, len(l.byOwner[ownerID]))
	copy(out, l.byOwner[ownerID])
	return out
}
