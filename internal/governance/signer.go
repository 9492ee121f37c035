package governance

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"PerpCustody/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLen is r || s || v.
const SignatureLen = 65

// Signer approves instruction fingerprints with a local secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex-encoded private key, with or without 0x.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("governance/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("governance/signer: generate key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

func (s *Signer) Address() common.Address { return s.address }

// PrivateKeyHex exports the key in the form NewSigner accepts.
func (s *Signer) PrivateKeyHex() string {
	return hexutil.Encode(ethcrypto.FromECDSA(s.privateKey))
}

// Sign returns the 65-byte signature of the fingerprint.
func (s *Signer) Sign(fp common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(fp[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("governance/signer: signing: %w", err)
	}
	return sig, nil
}

// RecoverSigner returns the address that produced sig over fp. Recovery ids
// 27 and 28 are accepted as well as 0 and 1.
func RecoverSigner(fp common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLen {
		return common.Address{}, fmt.Errorf("%w: length %d", errs.ErrInvalidSignature, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(fp[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errs.ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
