package paywall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mbarbosa30/selfclaw-pay/internal/auth"
	"github.com/mbarbosa30/selfclaw-pay/internal/chain"
	"github.com/mbarbosa30/selfclaw-pay/internal/challenge"
	"github.com/mbarbosa30/selfclaw-pay/internal/escrow"
	"github.com/mbarbosa30/selfclaw-pay/internal/ledger"
	"github.com/mbarbosa30/selfclaw-pay/internal/store"
	"github.com/mbarbosa30/selfclaw-pay/internal/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testRecipient = "0x1111111111111111111111111111111111111111"
	testCustody   = "0x2222222222222222222222222222222222222222"
	testSeller    = "0x3333333333333333333333333333333333333333"
	testToken     = "0x4444444444444444444444444444444444444444"
)

// ── Direct scheme ──────────────────────────────────────────────────────────

func directRouter(t *testing.T) (*gin.Engine, *challenge.Registry, *ledger.Ledger) {
	t.Helper()
	reg := challenge.NewRegistry(challenge.NewMemoryGuard(), zap.NewNop())
	led := ledger.New(300)
	route := Route{
		OwnerID:   "owner-1",
		Price:     "1.50",
		Recipient: testRecipient,
		Token:     "USDC",
		Network:   "base",
	}

	r := gin.New()
	r.POST("/api/service/invoke", Direct(reg, led, route, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"result": "ok", "payer": c.GetString(CtxPayer)})
	})
	return r, reg, led
}

func TestDirect_UnpaidGetsChallenge(t *testing.T) {
	r, reg, _ := directRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/service/invoke", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if w.Header().Get(x402.HeaderPaymentRequired) != "true" {
		t.Error("X-Payment-Required header missing")
	}
	if got := w.Header().Get(x402.HeaderAmount); got != "1.50" {
		t.Errorf("amount header = %q, want 1.50", got)
	}
	if got := w.Header().Get(x402.HeaderRecipient); got != testRecipient {
		t.Errorf("recipient header = %q", got)
	}
	nonce := w.Header().Get(x402.HeaderNonce)
	if len(nonce) != 32 {
		t.Errorf("nonce header %q, want 32 hex chars", nonce)
	}
	if reg.ActiveCount() != 1 {
		t.Errorf("active challenges = %d, want 1", reg.ActiveCount())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["challenge"]; !ok {
		t.Error("402 body missing challenge object")
	}
}

func TestDirect_PaidRequestAdmitted(t *testing.T) {
	r, _, led := directRouter(t)

	// First call: obtain the challenge.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/service/invoke", nil))
	nonce := w.Header().Get(x402.HeaderNonce)
	if nonce == "" {
		t.Fatal("no challenge issued")
	}

	// Sign the canonical message and retry with proof headers.
	key, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	ts := time.Now().UnixMilli()
	msg := x402.PaymentMessage(nonce, "1.50", testRecipient, ts)
	sig, err := crypto.Sign(auth.HashMessage(msg), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27

	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/service/invoke", nil)
	req.Header.Set(x402.HeaderSignature, "0x"+hex.EncodeToString(sig))
	req.Header.Set(x402.HeaderAmount, "1.50")
	req.Header.Set(x402.HeaderNetwork, "base")
	req.Header.Set(x402.HeaderNonce, nonce)
	req.Header.Set(x402.HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(x402.HeaderPayer, payer)
	r.ServeHTTP(w2, req)

	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w2.Code, w2.Body.String())
	}
	if got := w2.Header().Get(x402.HeaderResponse); got != "accepted" {
		t.Errorf("response header = %q, want accepted", got)
	}
	if got := w2.Header().Get(x402.HeaderPlatformFee); got != "0.045" {
		t.Errorf("platform fee header = %q, want 0.045", got)
	}
	if got := w2.Header().Get(x402.HeaderNetAmount); got != "1.455" {
		t.Errorf("net amount header = %q, want 1.455", got)
	}

	totals := led.TotalsFor("owner-1")
	if totals.Gross.String() != "1.5" {
		t.Errorf("ledger gross = %s, want 1.5", totals.Gross)
	}

	// Replaying the identical proof must be rejected.
	w3 := httptest.NewRecorder()
	r.ServeHTTP(w3, req)
	if w3.Code != http.StatusPaymentRequired {
		t.Fatalf("replay status = %d, want 402", w3.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w3.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != string(x402.CodeAlreadyProcessed) {
		t.Errorf("replay error = %v, want %s", body["error"], x402.CodeAlreadyProcessed)
	}
}

func TestDirect_PartialHeadersReissueChallenge(t *testing.T) {
	r, _, _ := directRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/service/invoke", nil)
	req.Header.Set(x402.HeaderSignature, "0xdeadbeef")
	// Amount, nonce, timestamp, payer deliberately absent.
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != string(x402.CodeMissingHeaders) {
		t.Errorf("error = %v, want %s", body["error"], x402.CodeMissingHeaders)
	}
	// A fresh challenge rides along so the caller can recover in one round trip.
	if w.Header().Get(x402.HeaderNonce) == "" {
		t.Error("reissued challenge nonce missing")
	}
}

// ── Escrow scheme ──────────────────────────────────────────────────────────

type stubReader struct {
	receipts map[string]*chain.Receipt
}

func (r *stubReader) TransferReceipt(_ context.Context, txHash, _ string) (*chain.Receipt, error) {
	if rcpt, ok := r.receipts[txHash]; ok {
		return rcpt, nil
	}
	return &chain.Receipt{Found: false}, nil
}

type stubSender struct{}

func (stubSender) Transfer(context.Context, string, string, string) (string, error) {
	return "0xsettle", nil
}

func escrowRouter(t *testing.T, reader escrow.Reader) (*gin.Engine, *escrow.Engine) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	s, err := store.OpenDSN(fmt.Sprintf("file:paywall_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	eng := escrow.NewEngine(s, reader, stubSender{}, testCustody, zap.NewNop())
	route := EscrowRoute{
		Seller:      testSeller,
		Amount:      "10",
		Description: "Invoke skill translate",
		SkillID:     "translate",
		Token:       testToken,
		TokenSymbol: "USDC",
		TTLSeconds:  600,
	}

	r := gin.New()
	r.POST("/api/skills/translate/invoke", Escrow(eng, route, zap.NewNop()), func(c *gin.Context) {
		req := c.MustGet(CtxRequirement).(*escrow.Requirement)
		dep := c.MustGet(CtxDeposit).(*escrow.Verification)
		c.JSON(http.StatusOK, gin.H{"nonce": req.Nonce, "from": dep.From})
	})
	return r, eng
}

func TestEscrow_UnpaidGetsRequirement(t *testing.T) {
	r, _ := escrowRouter(t, &stubReader{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/skills/translate/invoke", nil))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if got := w.Header().Get(x402.HeaderRecipient); got != testCustody {
		t.Errorf("recipient = %q, want custody address", got)
	}
	var body struct {
		Requirement  escrow.Requirement `json:"requirement"`
		Instructions []string           `json:"instructions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Requirement.Escrow || body.Requirement.Amount != "10" {
		t.Errorf("requirement mismatch: %+v", body.Requirement)
	}
	if len(body.Instructions) == 0 {
		t.Error("402 body missing deposit instructions")
	}
}

func TestEscrow_VerifiedDepositAdmitted(t *testing.T) {
	buyer := common.HexToAddress("0x5555555555555555555555555555555555555555")
	amt, _ := decimal.NewFromString("10")
	reader := &stubReader{receipts: map[string]*chain.Receipt{
		"0xdeposit": {
			Found: true,
			Ok:    true,
			Transfers: []chain.TransferEvent{{
				From:   buyer,
				To:     common.HexToAddress(testCustody),
				Amount: amt,
			}},
		},
	}}
	r, _ := escrowRouter(t, reader)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/skills/translate/invoke", nil))
	var issued struct {
		Requirement escrow.Requirement `json:"requirement"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issued); err != nil {
		t.Fatal(err)
	}

	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/skills/translate/invoke", nil)
	req.Header.Set(x402.HeaderEscrowPayment, "0xdeposit:"+issued.Requirement.Nonce)
	r.ServeHTTP(w2, req)

	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w2.Code, w2.Body.String())
	}
	if got := w2.Header().Get(x402.HeaderResponse); got != "accepted" {
		t.Errorf("response header = %q, want accepted", got)
	}
	var out map[string]string
	if err := json.Unmarshal(w2.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.EqualFold(out["from"], buyer.Hex()) {
		t.Errorf("deposit from = %q, want buyer address", out["from"])
	}

	// The nonce was taken on first use; resubmitting the same payment fails.
	w3 := httptest.NewRecorder()
	r.ServeHTTP(w3, req)
	if w3.Code != http.StatusPaymentRequired {
		t.Fatalf("reuse status = %d, want 402", w3.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w3.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != string(x402.CodeUnknownChallenge) {
		t.Errorf("reuse error = %v, want %s", body["error"], x402.CodeUnknownChallenge)
	}
}

func TestEscrow_UnconfirmedDepositRejected(t *testing.T) {
	r, eng := escrowRouter(t, &stubReader{})

	req402, err := eng.CreateRequirement(context.Background(),
		testSeller, "10", "Invoke skill translate", "translate", "", testToken, "USDC", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/skills/translate/invoke", nil)
	req.Header.Set(x402.HeaderEscrowPayment, "0xmissing:"+req402.Nonce)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != string(x402.CodeTransferNotFound) {
		t.Errorf("error = %v, want %s", body["error"], x402.CodeTransferNotFound)
	}
}

func TestEscrow_MalformedPaymentHeader(t *testing.T) {
	r, _ := escrowRouter(t, &stubReader{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/skills/translate/invoke", nil)
	req.Header.Set(x402.HeaderEscrowPayment, "no-separator")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != string(x402.CodeMissingHeaders) {
		t.Errorf("error = %v, want %s", body["error"], x402.CodeMissingHeaders)
	}
}
