// Package paywall is the protocol boundary: gin middleware that demands
// payment inline with a request and admits it once a valid proof arrives.
// One implementation serves both schemes — direct (signed proof over a
// challenge) and escrow (on-chain deposit to custody) — behind a mode flag.
package paywall

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbarbosa30/selfclaw-pay/internal/challenge"
	"github.com/mbarbosa30/selfclaw-pay/internal/escrow"
	"github.com/mbarbosa30/selfclaw-pay/internal/ledger"
	"github.com/mbarbosa30/selfclaw-pay/internal/x402"
)

// Context keys set on a successfully paid request.
const (
	CtxPayer       = "payment_payer"
	CtxRecord      = "payment_record"
	CtxRequirement = "escrow_requirement"
	CtxDeposit     = "escrow_deposit"
)

// Route prices one protected endpoint for the direct scheme.
type Route struct {
	OwnerID   string // resource owner credited in the ledger
	Price     string
	Recipient string // address the payment proof must be signed over
	Token     string
	Network   string
}

// Direct returns middleware for the direct scheme: unpaid requests get a
// 402 challenge; a signed proof is validated, consumed, and recorded.
func Direct(reg *challenge.Registry, led *ledger.Ledger, route Route, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(x402.HeaderSignature) == "" {
			issueChallenge(c, reg, route, nil)
			return
		}

		proof, perr := x402.ParseProof(c.Request.Header)
		if perr != nil {
			issueChallenge(c, reg, route, perr)
			return
		}

		ch, perr := reg.ValidateAndConsume(c.Request.Context(),
			proof.Nonce, proof.Amount, proof.Timestamp, proof.Payer, proof.Signature)
		if perr != nil {
			abortPaymentError(c, perr)
			return
		}

		rec, err := led.Append(ch.OwnerID, proof.Amount, proof.Payer, proof.Nonce,
			proof.Signature, ch.Endpoint, proof.Timestamp, true)
		if err != nil {
			log.Error("ledger append failed", zap.String("nonce", proof.Nonce), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Header(x402.HeaderResponse, "accepted")
		c.Header(x402.HeaderPlatformFee, rec.PlatformFee.String())
		c.Header(x402.HeaderNetAmount, rec.NetAmount.String())
		c.Set(CtxPayer, proof.Payer)
		c.Set(CtxRecord, rec)
		c.Next()
	}
}

func issueChallenge(c *gin.Context, reg *challenge.Registry, route Route, cause *x402.Error) {
	ch, err := reg.Issue(c.FullPath(), route.OwnerID, route.Price, route.Recipient, route.Token, route.Network)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Header(x402.HeaderPaymentRequired, "true")
	c.Header(x402.HeaderAmount, ch.Price)
	c.Header(x402.HeaderRecipient, ch.Recipient)
	c.Header(x402.HeaderNetwork, ch.Network)
	c.Header(x402.HeaderToken, ch.Token)
	c.Header(x402.HeaderNonce, ch.Nonce)
	c.Header(x402.HeaderTimestamp, strconv.FormatInt(ch.IssuedAt, 10))

	body := gin.H{
		"description": "Payment required: sign the canonical message and retry with proof headers.",
		"challenge":   ch,
	}
	if cause != nil {
		body["error"] = cause.Code
		body["message"] = cause.Message
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

func abortPaymentError(c *gin.Context, perr *x402.Error) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":   perr.Code,
		"message": perr.Message,
	})
}

// EscrowRoute prices one protected marketplace call.
type EscrowRoute struct {
	Seller      string
	Amount      string
	Description string
	SkillID     string
	Buyer       string
	Token       string
	TokenSymbol string
	TTLSeconds  int64
}

// Escrow returns middleware for the escrow scheme: unpaid requests get a
// 402 requirement with deposit instructions; a "{txHash}:{nonce}" retry is
// verified against the chain before the request proceeds. Release/refund
// happen after the service outcome, at the handler layer.
func Escrow(eng *escrow.Engine, route EscrowRoute, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(x402.HeaderEscrowPayment)
		if raw == "" {
			issueRequirement(c, eng, route, log)
			return
		}

		txHash, nonce, perr := x402.ParseEscrowPayment(raw)
		if perr != nil {
			abortPaymentError(c, perr)
			return
		}

		req, perr := eng.Take(c.Request.Context(), nonce)
		if perr != nil {
			abortPaymentError(c, perr)
			return
		}

		verification, perr := eng.VerifyTransfer(c.Request.Context(), txHash, req.PayTo, req.Amount, req.Token)
		if perr != nil {
			abortPaymentError(c, perr)
			return
		}

		c.Header(x402.HeaderResponse, "accepted")
		c.Set(CtxRequirement, req)
		c.Set(CtxDeposit, verification)
		c.Next()
	}
}

func issueRequirement(c *gin.Context, eng *escrow.Engine, route EscrowRoute, log *zap.Logger) {
	ttl := time.Duration(route.TTLSeconds) * time.Second
	req, err := eng.CreateRequirement(c.Request.Context(),
		route.Seller, route.Amount, route.Description, route.SkillID,
		route.Buyer, route.Token, route.TokenSymbol, ttl)
	if err != nil {
		log.Error("create escrow requirement failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Header(x402.HeaderPaymentRequired, "true")
	c.Header(x402.HeaderAmount, req.Amount)
	c.Header(x402.HeaderRecipient, req.PayTo)
	c.Header(x402.HeaderToken, req.Token)
	c.Header(x402.HeaderNonce, req.Nonce)

	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"description": req.Description,
		"requirement": req,
		"instructions": []string{
			"1. Transfer " + req.Amount + " " + req.TokenSymbol + " to the custody address " + req.PayTo + ".",
			"2. Wait for the transaction to confirm.",
			"3. Retry this request with header " + x402.HeaderEscrowPayment + ": {txHash}:" + req.Nonce + ".",
		},
	})
}
