// Package escrow holds payment requirements for marketplace calls and
// settles platform-custodied funds: release to the seller on delivery,
// refund to the buyer otherwise. Requirement and settlement state live in
// SQLite so the exactly-once guarantees hold across process instances.
package escrow

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mbarbosa30/selfclaw-pay/internal/chain"
	"github.com/mbarbosa30/selfclaw-pay/internal/store"
	"github.com/mbarbosa30/selfclaw-pay/internal/x402"
)

// Requirement is a 402-equivalent escrow quote: pay Amount of Token to the
// custody address, then resubmit with "{txHash}:{nonce}".
type Requirement struct {
	Nonce          string `json:"nonce"`
	PayTo          string `json:"pay_to"`
	Amount         string `json:"amount"`
	Token          string `json:"token"`
	TokenSymbol    string `json:"token_symbol"`
	Description    string `json:"description"`
	ExpiresAt      int64  `json:"expires_at"`
	SellerAddress  string `json:"seller_address"`
	BuyerPublicKey string `json:"buyer_public_key,omitempty"`
	SkillID        string `json:"skill_id,omitempty"`
	Escrow         bool   `json:"escrow"`
}

// Verification is the outcome of checking an on-chain transfer against a
// requirement.
type Verification struct {
	Valid  bool            `json:"valid"`
	TxHash string          `json:"tx_hash"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Settlement statuses. A row is created "pending" when the requirement is
// taken and flips exactly once to released or refunded.
const (
	StatusPending  = "pending"
	StatusReleased = "released"
	StatusRefunded = "refunded"
)

// Settlement is the terminal record for one escrow nonce.
type Settlement struct {
	Nonce        string `json:"nonce"`
	Status       string `json:"status"`
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
	TxHash       string `json:"tx_hash,omitempty"`
}

// Reader reads finalized transfers; satisfied by *chain.Client.
type Reader interface {
	TransferReceipt(ctx context.Context, txHash, token string) (*chain.Receipt, error)
}

// Sender submits custody-signed transfers; satisfied by *chain.Client.
type Sender interface {
	Transfer(ctx context.Context, token, to, amount string) (string, error)
}

// Engine is the escrow settlement core.
type Engine struct {
	db     *sql.DB
	reader Reader
	sender Sender
	payTo  string
	log    *zap.Logger
}

func NewEngine(s *store.Store, reader Reader, sender Sender, custodyAddr string, log *zap.Logger) *Engine {
	return &Engine{db: s.DB(), reader: reader, sender: sender, payTo: custodyAddr, log: log}
}

// CustodyAddress is the deposit target quoted in requirements.
func (e *Engine) CustodyAddress() string { return e.payTo }

// CreateRequirement allocates a nonce-keyed requirement and persists it.
func (e *Engine) CreateRequirement(ctx context.Context, seller, amount, description, skillID, buyer, token, tokenSymbol string, ttl time.Duration) (*Requirement, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	req := &Requirement{
		Nonce:          hex.EncodeToString(buf),
		PayTo:          e.payTo,
		Amount:         amount,
		Token:          token,
		TokenSymbol:    tokenSymbol,
		Description:    description,
		ExpiresAt:      time.Now().Add(ttl).Unix(),
		SellerAddress:  seller,
		BuyerPublicKey: buyer,
		SkillID:        skillID,
		Escrow:         true,
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO escrow_requirements
			(nonce, pay_to, amount, token, token_symbol, description, expires_at,
			 seller_address, buyer_public_key, skill_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Nonce, req.PayTo, req.Amount, req.Token, req.TokenSymbol, req.Description,
		req.ExpiresAt, req.SellerAddress, req.BuyerPublicKey, req.SkillID, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("persist requirement: %w", err)
	}
	return req, nil
}

// Take removes and returns the requirement for nonce. Single-use: the
// DELETE is the read, so two settlement calls racing on one nonce cannot
// both obtain it. Taking also seeds the pending settlement row.
func (e *Engine) Take(ctx context.Context, nonce string) (*Requirement, *x402.Error) {
	req := &Requirement{Escrow: true}
	err := e.db.QueryRowContext(ctx, `
		DELETE FROM escrow_requirements WHERE nonce = ?
		RETURNING nonce, pay_to, amount, token, token_symbol, description,
		          expires_at, seller_address, buyer_public_key, skill_id`,
		nonce,
	).Scan(&req.Nonce, &req.PayTo, &req.Amount, &req.Token, &req.TokenSymbol,
		&req.Description, &req.ExpiresAt, &req.SellerAddress, &req.BuyerPublicKey, &req.SkillID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, x402.Errf(x402.CodeUnknownChallenge, "no escrow requirement for nonce %s", nonce)
	}
	if err != nil {
		return nil, x402.Errf(x402.CodeUnknownChallenge, "requirement lookup failed")
	}

	// Expiry is checked lazily at use; an expired requirement is simply
	// unusable.
	if time.Now().Unix() > req.ExpiresAt {
		return nil, x402.Errf(x402.CodeExpired, "escrow requirement %s expired", nonce)
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlements (nonce, status, counterparty, amount, token, updated_at)
		VALUES (?, ?, '', ?, ?, ?)`,
		req.Nonce, StatusPending, req.Amount, req.Token, time.Now().Unix(),
	)
	if err != nil {
		return nil, x402.Errf(x402.CodeUnknownChallenge, "settlement init failed")
	}
	return req, nil
}

// VerifyTransfer checks a finalized transaction against the expected
// deposit: right token, right recipient, amount at least the requirement.
func (e *Engine) VerifyTransfer(ctx context.Context, txHash, expectedTo, expectedAmount, expectedToken string) (*Verification, *x402.Error) {
	required, err := decimal.NewFromString(expectedAmount)
	if err != nil {
		return nil, x402.Errf(x402.CodeInsufficientAmount, "invalid expected amount %q", expectedAmount)
	}

	rcpt, err := e.reader.TransferReceipt(ctx, txHash, expectedToken)
	if err != nil {
		return nil, x402.Errf(x402.CodeTransferNotFound, "receipt lookup failed: %v", err)
	}
	if !rcpt.Found {
		return nil, x402.Errf(x402.CodeTransferNotFound, "transaction %s not found", txHash)
	}
	if !rcpt.Ok {
		return nil, x402.Errf(x402.CodeTransferFailed, "transaction %s reverted", txHash)
	}

	for _, ev := range rcpt.Transfers {
		if !strings.EqualFold(ev.To.Hex(), expectedTo) {
			continue
		}
		if ev.Amount.LessThan(required) {
			return nil, x402.Errf(x402.CodeInsufficientAmount,
				"transfer amount %s below required %s", ev.Amount, required)
		}
		return &Verification{
			Valid:  true,
			TxHash: txHash,
			From:   ev.From.Hex(),
			To:     ev.To.Hex(),
			Amount: ev.Amount,
		}, nil
	}
	return nil, x402.Errf(x402.CodeNoMatchingTransfer,
		"no transfer of token %s to %s in %s", expectedToken, expectedTo, txHash)
}

// Release forwards custody funds to the seller. Idempotency is enforced
// here, not by caller discipline: the persisted status flips
// pending → released in one conditional UPDATE before the transfer is
// submitted, so a retry or a second caller fails SettlementAlreadyExecuted
// instead of double-paying.
func (e *Engine) Release(ctx context.Context, nonce, seller, amount, token string) (*Settlement, *x402.Error) {
	return e.settle(ctx, nonce, seller, amount, token, StatusReleased)
}

// Refund is symmetric to Release, used when delivery fails or is disputed.
func (e *Engine) Refund(ctx context.Context, nonce, buyer, amount, token string) (*Settlement, *x402.Error) {
	return e.settle(ctx, nonce, buyer, amount, token, StatusRefunded)
}

func (e *Engine) settle(ctx context.Context, nonce, counterparty, amount, token, terminal string) (*Settlement, *x402.Error) {
	now := time.Now().Unix()

	res, err := e.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = ?, counterparty = ?, updated_at = ?
		WHERE nonce = ? AND status = ?`,
		terminal, counterparty, now, nonce, StatusPending,
	)
	if err != nil {
		return nil, x402.Errf(x402.CodeTransferFailed, "settlement update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, x402.Errf(x402.CodeSettlementAlreadyExecuted,
			"settlement for nonce %s already executed", nonce)
	}

	txHash, err := e.sender.Transfer(ctx, token, counterparty, amount)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Outcome unknown: the transfer may still land. Keep the
			// terminal marker so a restart cannot re-pay; the operator
			// reconciles via the chain before reopening.
			e.log.Error("settlement transfer outcome unknown",
				zap.String("nonce", nonce), zap.String("tx", txHash), zap.Error(err))
			return nil, x402.Errf(x402.CodeTransferFailed,
				"transfer outcome unknown for nonce %s; reconcile before retry", nonce)
		}

		// Definite failure: revert to the pre-attempt state so a retry is
		// safe. Never retried here; blind resubmission risks double pay.
		if _, rbErr := e.db.ExecContext(ctx, `
			UPDATE settlements SET status = ?, updated_at = ?
			WHERE nonce = ? AND status = ? AND tx_hash IS NULL`,
			StatusPending, time.Now().Unix(), nonce, terminal,
		); rbErr != nil {
			e.log.Error("settlement status revert failed",
				zap.String("nonce", nonce), zap.Error(rbErr))
		}
		return nil, x402.Errf(x402.CodeTransferFailed, "settlement transfer failed: %v", err)
	}

	if _, err := e.db.ExecContext(ctx, `
		UPDATE settlements SET tx_hash = ?, updated_at = ? WHERE nonce = ?`,
		txHash, time.Now().Unix(), nonce,
	); err != nil {
		e.log.Error("settlement tx hash persist failed",
			zap.String("nonce", nonce), zap.String("tx", txHash), zap.Error(err))
	}

	e.log.Info("escrow settled",
		zap.String("nonce", nonce),
		zap.String("status", terminal),
		zap.String("counterparty", counterparty),
		zap.String("amount", amount),
		zap.String("tx", txHash),
	)
	return &Settlement{
		Nonce:        nonce,
		Status:       terminal,
		Counterparty: counterparty,
		Amount:       amount,
		Token:        token,
		TxHash:       txHash,
	}, nil
}

// SettlementFor reads the persisted settlement row for a nonce.
func (e *Engine) SettlementFor(ctx context.Context, nonce string) (*Settlement, error) {
	s := &Settlement{}
	var txHash sql.NullString
	err := e.db.QueryRowContext(ctx, `
		SELECT nonce, status, counterparty, amount, token, tx_hash
		FROM settlements WHERE nonce = ?`, nonce,
	).Scan(&s.Nonce, &s.Status, &s.Counterparty, &s.Amount, &s.Token, &txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settlement lookup: %w", err)
	}
	s.TxHash = txHash.String
	return s, nil
}
