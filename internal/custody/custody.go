// Package custody holds the platform custody wallet: the address escrow
// deposits are paid to and the key that signs release/refund transfers.
package custody

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// Load parses a hex-encoded private key (with or without 0x prefix).
func Load(privateKeyHex string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse custody key: %w", err)
	}
	return &Wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the custody deposit address, checksummed hex.
func (w *Wallet) Address() common.Address { return w.addr }

// Key returns the signing key for outbound transfers.
func (w *Wallet) Key() *ecdsa.PrivateKey { return w.key }
