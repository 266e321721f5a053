package auth

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHashMessage_Deterministic(t *testing.T) {
	msg := []byte("hello selfclaw")
	h1 := HashMessage(msg)
	h2 := HashMessage(msg)
	if string(h1) != string(h2) {
		t.Fatal("HashMessage is not deterministic")
	}
}

func TestHashMessage_DifferentMessages(t *testing.T) {
	h1 := HashMessage([]byte("foo"))
	h2 := HashMessage([]byte("bar"))
	if string(h1) == string(h2) {
		t.Fatal("different messages produced the same hash")
	}
}

func TestHashMessage_Length(t *testing.T) {
	hash := HashMessage([]byte("test"))
	if len(hash) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(hash))
	}
}

// TestRecover_ValidSignature is the core test: sign a message with a known
// key, recover the address, and verify it matches.
func TestRecover_ValidSignature(t *testing.T) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte("x402:abc123:1.50:0xRecipient:1700000000000")
	hash := HashMessage(msg)

	// crypto.Sign returns V in {0,1}; Ethereum convention is {27,28}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if got != expected {
		t.Errorf("got %s, want %s", got.Hex(), expected.Hex())
	}
}

// TestRecover_V0and1 verifies that V in {0,1} (without +27) also works.
func TestRecover_V0and1(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte("test message")
	hash := HashMessage(msg)
	sig, _ := crypto.Sign(hash, privKey)
	// Leave V as 0 or 1 (no +27)

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if got != expected {
		t.Errorf("got %s, want %s", got.Hex(), expected.Hex())
	}
}

func TestRecover_WrongMessage(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte("original message")
	hash := HashMessage(msg)
	sig, _ := crypto.Sign(hash, privKey)
	sig[64] += 27

	wrong, err := Recover([]byte("tampered message"), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrong == expected {
		t.Error("tampered message should not recover the original signer")
	}
}

func TestRecover_InvalidSigLength(t *testing.T) {
	_, err := Recover([]byte("msg"), []byte("tooshort"))
	if err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestVerify_Matches(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(privKey.PublicKey).Hex()

	msg := []byte("pay me")
	sig, _ := crypto.Sign(HashMessage(msg), privKey)
	sig[64] += 27

	if !Verify(msg, sig, signer) {
		t.Error("valid signature rejected")
	}
	// Case-insensitive address compare
	if !Verify(msg, sig, "0x"+hex.EncodeToString(crypto.PubkeyToAddress(privKey.PublicKey).Bytes())) {
		t.Error("lowercase address rejected")
	}
}

func TestVerify_FailsClosed(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	msg := []byte("pay me")
	sig, _ := crypto.Sign(HashMessage(msg), privKey)
	sig[64] += 27

	cases := []struct {
		name   string
		msg    []byte
		sig    []byte
		signer string
	}{
		{"wrong signer", msg, sig, "0x000000000000000000000000000000000000dEaD"},
		{"garbage signature", msg, []byte("garbage"), crypto.PubkeyToAddress(privKey.PublicKey).Hex()},
		{"nil signature", msg, nil, crypto.PubkeyToAddress(privKey.PublicKey).Hex()},
		{"not an address", msg, sig, "not-an-address"},
		{"empty signer", msg, sig, ""},
	}
	for _, tc := range cases {
		if Verify(tc.msg, tc.sig, tc.signer) {
			t.Errorf("%s: expected false", tc.name)
		}
	}
}

func TestVerifyHex(t *testing.T) {
	privKey, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(privKey.PublicKey).Hex()

	msg := []byte("hex wire format")
	sig, _ := crypto.Sign(HashMessage(msg), privKey)
	sig[64] += 27

	if !VerifyHex(msg, "0x"+hex.EncodeToString(sig), signer) {
		t.Error("0x-prefixed hex signature rejected")
	}
	if !VerifyHex(msg, hex.EncodeToString(sig), signer) {
		t.Error("bare hex signature rejected")
	}
	if VerifyHex(msg, "0xzz", signer) {
		t.Error("invalid hex accepted")
	}
}
