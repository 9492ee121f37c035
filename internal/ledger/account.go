package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Pubkey identifies an account in the ledger.
type Pubkey [32]byte

// SystemProgram owns plain lamport accounts (payers, signers).
var SystemProgram = Pubkey{}

func (k Pubkey) String() string {
	return hex.EncodeToString(k[:])
}

func (k Pubkey) IsZero() bool {
	return k == Pubkey{}
}

func (k Pubkey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePubkey parses the 64-character hex form produced by String.
func ParsePubkey(s string) (Pubkey, error) {
	var k Pubkey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse pubkey: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("parse pubkey: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// NewUniquePubkey returns a key that collides with nothing derived.
func NewUniquePubkey() Pubkey {
	id := uuid.New()
	return sha256.Sum256(append([]byte("unique"), id[:]...))
}

// DeriveAddress maps seeds to a program-owned address. The same seeds and
// program always give the same key.
func DeriveAddress(program Pubkey, seeds ...[]byte) Pubkey {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte("ProgramDerivedAddress"))
	var k Pubkey
	copy(k[:], h.Sum(nil))
	return k
}

func PerpetualsAddress(program Pubkey) Pubkey {
	return DeriveAddress(program, []byte("perpetuals"))
}

func TransferAuthorityAddress(program Pubkey) Pubkey {
	return DeriveAddress(program, []byte("transfer_authority"))
}

func MultisigAddress(program Pubkey) Pubkey {
	return DeriveAddress(program, []byte("multisig"))
}

func PoolAddress(program Pubkey, name string) Pubkey {
	return DeriveAddress(program, []byte("pool"), []byte(name))
}

func CustodyAddress(program, pool, mint Pubkey) Pubkey {
	return DeriveAddress(program, []byte("custody"), pool[:], mint[:])
}

func CustodyTokenAccountAddress(program, pool, mint Pubkey) Pubkey {
	return DeriveAddress(program, []byte("custody_token_account"), pool[:], mint[:])
}

// PositionAddress encodes the (owner, pool, custody, side) key of a position.
func PositionAddress(program, owner, pool, custody Pubkey, side uint8) Pubkey {
	return DeriveAddress(program, []byte("position"), owner[:], pool[:], custody[:], []byte{side})
}

// AssociatedTokenAddress is the default token account of owner for mint.
func AssociatedTokenAddress(owner, mint Pubkey) Pubkey {
	return DeriveAddress(SystemProgram, []byte("associated_token"), owner[:], mint[:])
}

// Storage cost of an account, charged in lamports on creation and resize.
const (
	AccountStorageOverhead = 128
	LamportsPerByte        = uint64(6960)
)

// MinimumBalance is the lamport deposit an account of dataLen bytes must hold.
func MinimumBalance(dataLen int) uint64 {
	return uint64(AccountStorageOverhead+dataLen) * LamportsPerByte
}

// Account is a raw account: a lamport balance plus program-owned bytes.
type Account struct {
	Key      Pubkey
	Owner    Pubkey
	Lamports uint64
	Data     []byte
}

func (a *Account) Clone() *Account {
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}
