// Package server mounts the HTTP API: paid service endpoints, escrow
// settlement, benefit claims, and earnings lookups.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbarbosa30/selfclaw-pay/internal/claim"
	"github.com/mbarbosa30/selfclaw-pay/internal/escrow"
	"github.com/mbarbosa30/selfclaw-pay/internal/ledger"
	"github.com/mbarbosa30/selfclaw-pay/internal/paywall"
	"github.com/mbarbosa30/selfclaw-pay/internal/x402"
)

// Benefit keys for the three claim-once allocations.
const (
	BenefitGasSubsidy  = "gas-subsidy"
	BenefitSponsorship = "sponsorship"
	BenefitWalletReg   = "wallet-registration"
)

type Handler struct {
	led        *ledger.Ledger
	eng        *escrow.Engine
	sender     escrow.Sender
	allocators map[string]*claim.Allocator
	token      string
	log        *zap.Logger
}

func NewHandler(led *ledger.Ledger, eng *escrow.Engine, sender escrow.Sender, allocators map[string]*claim.Allocator, token string, log *zap.Logger) *Handler {
	return &Handler{
		led:        led,
		eng:        eng,
		sender:     sender,
		allocators: allocators,
		token:      token,
		log:        log,
	}
}

// Register mounts the unprotected API routes. Paid endpoints are mounted by
// the caller with the paywall middleware applied.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/earnings/:owner", h.handleEarnings)
	rg.POST("/claims/:benefit", h.handleClaim)
	rg.POST("/escrow/settle", h.handleEscrowSettle)
}

// ── Earnings ────────────────────────────────────────────────────────────────

func (h *Handler) handleEarnings(c *gin.Context) {
	owner := c.Param("owner")
	t := h.led.TotalsFor(owner)
	c.JSON(http.StatusOK, gin.H{
		"owner": owner,
		"gross": t.Gross.String(),
		"fees":  t.Fees.String(),
		"net":   t.Net.String(),
	})
}

// ── Claims ──────────────────────────────────────────────────────────────────

type claimRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handler) handleClaim(c *gin.Context) {
	benefit := c.Param("benefit")
	alloc, ok := h.allocators[benefit]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   x402.CodeAllocatorUnavailable,
			"message": "no such benefit: " + benefit,
		})
		return
	}

	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": x402.CodeMissingHeaders, "message": "address required"})
		return
	}
	identity := strings.ToLower(req.Address)

	evidence, err := alloc.Grant(c.Request.Context(), identity, h.sideEffectFor(benefit, req.Address, alloc))
	switch {
	case errors.Is(err, claim.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   x402.CodeAlreadyClaimed,
			"message": "benefit already granted to " + req.Address,
		})
	case errors.Is(err, claim.ErrInProgress):
		// Lock contention, not permanent denial: the caller may retry
		// shortly.
		c.JSON(http.StatusConflict, gin.H{
			"error":   x402.CodeClaimInProgress,
			"message": "a claim for this identity is in progress, retry later",
		})
	case err != nil:
		h.log.Error("claim side effect failed",
			zap.String("benefit", benefit), zap.String("identity", identity), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   x402.CodeTransferFailed,
			"message": "grant failed; the benefit remains claimable",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"granted": true, "evidence": evidence})
	}
}

// sideEffectFor builds the external grant action. Monetary benefits move
// custody funds on-chain; wallet registration only needs a durable marker.
func (h *Handler) sideEffectFor(benefit, address string, alloc *claim.Allocator) func(ctx context.Context) (string, error) {
	if benefit == BenefitWalletReg {
		return func(context.Context) (string, error) {
			return "reg-" + uuid.NewString(), nil
		}
	}
	return func(ctx context.Context) (string, error) {
		return h.sender.Transfer(ctx, h.token, address, alloc.Amount())
	}
}

// ── Escrow settlement ───────────────────────────────────────────────────────

type settleRequest struct {
	Payment string `json:"payment" binding:"required"` // "{txHash}:{nonce}"
	Outcome string `json:"outcome" binding:"required"` // "delivered" | "failed"
}

// handleEscrowSettle is the terminal step of an escrow flow: verify the
// deposit against its requirement, then release to the seller on delivery
// or refund the depositor otherwise.
func (h *Handler) handleEscrowSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": x402.CodeMissingHeaders, "message": "payment and outcome required"})
		return
	}
	// Reject unknown outcomes before the requirement is taken: Take is
	// single-use, and a typoed outcome must not consume the nonce or
	// default into a refund.
	if req.Outcome != "delivered" && req.Outcome != "failed" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   x402.CodeMissingHeaders,
			"message": "outcome must be \"delivered\" or \"failed\"",
		})
		return
	}

	txHash, nonce, perr := x402.ParseEscrowPayment(req.Payment)
	if perr != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": perr.Code, "message": perr.Message})
		return
	}

	requirement, perr := h.eng.Take(c.Request.Context(), nonce)
	if perr != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": perr.Code, "message": perr.Message})
		return
	}

	verification, perr := h.eng.VerifyTransfer(c.Request.Context(), txHash,
		requirement.PayTo, requirement.Amount, requirement.Token)
	if perr != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": perr.Code, "message": perr.Message})
		return
	}

	var settlement *escrow.Settlement
	if req.Outcome == "delivered" {
		settlement, perr = h.eng.Release(c.Request.Context(), nonce,
			requirement.SellerAddress, requirement.Amount, requirement.Token)
	} else {
		settlement, perr = h.eng.Refund(c.Request.Context(), nonce,
			verification.From, requirement.Amount, requirement.Token)
	}
	if perr != nil {
		c.JSON(http.StatusConflict, gin.H{"error": perr.Code, "message": perr.Message})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verification": verification, "settlement": settlement})
}

// ── Paid demo endpoints ─────────────────────────────────────────────────────

// HandleServiceInvoke sits behind the direct paywall.
func (h *Handler) HandleServiceInvoke(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"result": "ok",
		"payer":  c.GetString(paywall.CtxPayer),
	})
}

// HandleSkillInvoke sits behind the escrow paywall: the deposit is already
// verified, so perform the service and release custody funds to the seller.
func (h *Handler) HandleSkillInvoke(c *gin.Context) {
	reqAny, ok := c.Get(paywall.CtxRequirement)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	requirement := reqAny.(*escrow.Requirement)

	settlement, perr := h.eng.Release(c.Request.Context(), requirement.Nonce,
		requirement.SellerAddress, requirement.Amount, requirement.Token)
	if perr != nil {
		c.JSON(http.StatusConflict, gin.H{"error": perr.Code, "message": perr.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":     "ok",
		"skill_id":   requirement.SkillID,
		"settlement": settlement,
	})
}
