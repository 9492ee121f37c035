package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"PerpCustody/internal/errs"
)

// Keypair is an ed25519 key whose public half is the account's Pubkey.
// Owners and payers sign with it to authorize use of their accounts.
type Keypair struct {
	priv ed25519.PrivateKey
}

func NewKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{priv: priv}, nil
}

// KeypairFromSeedHex restores a keypair from the 32-byte seed SeedHex returns.
func KeypairFromSeedHex(s string) (Keypair, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Keypair{}, fmt.Errorf("parse seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("parse seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return Keypair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (k Keypair) Pubkey() Pubkey {
	var p Pubkey
	copy(p[:], k.priv.Public().(ed25519.PublicKey))
	return p
}

func (k Keypair) SeedHex() string { return hex.EncodeToString(k.priv.Seed()) }

func (k Keypair) Sign(msg []byte) []byte { return ed25519.Sign(k.priv, msg) }

// VerifySignature checks that sig over msg was made by the key behind key.
func VerifySignature(key Pubkey, msg, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: length %d", errs.ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(key[:]), msg, sig) {
		return fmt.Errorf("%w: not signed by %s", errs.ErrInvalidSignature, key)
	}
	return nil
}
