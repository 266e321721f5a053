// Package x402 defines the wire contract for the payment challenge-response
// protocol: header names, the canonical signing message, and the machine-
// readable error taxonomy shared by the direct and escrow schemes.
package x402

import "fmt"

// Code is a stable machine-readable error code carried in 402 responses.
type Code string

const (
	CodeUnknownChallenge          Code = "UNKNOWN_CHALLENGE"
	CodeAlreadyProcessed          Code = "ALREADY_PROCESSED"
	CodeAmountMismatch            Code = "AMOUNT_MISMATCH"
	CodeExpired                   Code = "EXPIRED"
	CodeBadSignature              Code = "BAD_SIGNATURE"
	CodeMissingHeaders            Code = "MISSING_HEADERS"
	CodeTransferNotFound          Code = "TRANSFER_NOT_FOUND"
	CodeTransferFailed            Code = "TRANSFER_FAILED"
	CodeNoMatchingTransfer        Code = "NO_MATCHING_TRANSFER"
	CodeInsufficientAmount        Code = "INSUFFICIENT_AMOUNT"
	CodeClaimInProgress           Code = "CLAIM_IN_PROGRESS"
	CodeAlreadyClaimed            Code = "ALREADY_CLAIMED"
	CodeAllocatorUnavailable      Code = "ALLOCATOR_UNAVAILABLE"
	CodeSettlementAlreadyExecuted Code = "SETTLEMENT_ALREADY_EXECUTED"
)

// Error is a protocol-level failure. Validation failures are always folded
// into one of these and returned as a 402 body; they never escape as plain
// errors past the handler boundary.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a protocol error with a formatted human-readable message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
