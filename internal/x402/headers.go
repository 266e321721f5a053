package x402

import (
	"net/http"
	"strconv"
	"strings"
)

// Response/challenge headers (server → caller).
const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderAmount          = "X-Payment-Amount"
	HeaderRecipient       = "X-Payment-Recipient"
	HeaderNetwork         = "X-Payment-Network"
	HeaderToken           = "X-Payment-Token"
	HeaderNonce           = "X-Payment-Nonce"
	HeaderTimestamp       = "X-Payment-Timestamp"
	HeaderResponse        = "X-Payment-Response"
	HeaderPlatformFee     = "X-Platform-Fee"
	HeaderNetAmount       = "X-Net-Amount"
)

// Request headers (caller → server).
const (
	HeaderSignature = "X-Payment-Signature"
	HeaderPayer     = "X-Payment-Payer"
	// HeaderEscrowPayment carries the combined "{txHash}:{nonce}" value used
	// by the escrow scheme in place of a signed proof.
	HeaderEscrowPayment = "X-Payment"
)

// Proof is a direct-scheme payment proof parsed from request headers.
type Proof struct {
	Signature string
	Amount    string
	Network   string
	Nonce     string
	Timestamp int64
	Payer     string
}

// ParseProof extracts a direct-scheme proof from request headers.
// All fields are mandatory; absence of any yields MissingHeaders so the
// caller can re-issue a challenge. Network is required but advisory: the
// canonical signing message does not cover it, so it routes rather than
// authenticates.
func ParseProof(h http.Header) (*Proof, *Error) {
	p := &Proof{
		Signature: h.Get(HeaderSignature),
		Amount:    h.Get(HeaderAmount),
		Network:   h.Get(HeaderNetwork),
		Nonce:     h.Get(HeaderNonce),
		Payer:     h.Get(HeaderPayer),
	}
	ts := h.Get(HeaderTimestamp)
	if p.Signature == "" || p.Amount == "" || p.Network == "" || p.Nonce == "" || p.Payer == "" || ts == "" {
		return nil, Errf(CodeMissingHeaders, "payment proof headers missing")
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, Errf(CodeMissingHeaders, "invalid %s: %q", HeaderTimestamp, ts)
	}
	p.Timestamp = n
	return p, nil
}

// ParseEscrowPayment splits the combined escrow header "{txHash}:{nonce}".
func ParseEscrowPayment(v string) (txHash, nonce string, perr *Error) {
	if v == "" {
		return "", "", Errf(CodeMissingHeaders, "%s header missing", HeaderEscrowPayment)
	}
	i := strings.LastIndex(v, ":")
	if i <= 0 || i == len(v)-1 {
		return "", "", Errf(CodeMissingHeaders, "%s must be \"{txHash}:{nonce}\"", HeaderEscrowPayment)
	}
	return v[:i], v[i+1:], nil
}
