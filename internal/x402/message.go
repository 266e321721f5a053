package x402

import (
	"fmt"
)

// PaymentMessage builds the canonical signing payload for a payment proof.
//
// Field order and separators are part of the wire contract: changing them
// invalidates signatures over previously-issued challenges.
func PaymentMessage(nonce, amount, recipient string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("x402:%s:%s:%s:%d", nonce, amount, recipient, timestamp))
}
