// Package governance holds the admin multisig: a single pending instruction,
// identified by its fingerprint, collects signatures until it reaches quorum.
package governance

import (
	"encoding/binary"
	"fmt"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxSigners bounds the admin set.
const MaxSigners = 6

// Instruction kinds gated by the multisig.
const (
	KindUpgradePosition = "upgrade_position"
	KindSetPermissions  = "set_permissions"
	KindSetAdminSigners = "set_admin_signers"
)

// Instruction is what admins approve: an operation, the accounts it touches,
// its encoded parameters and the multisig nonce it was signed against.
type Instruction struct {
	Kind     string
	Accounts []ledger.Pubkey
	Params   []byte
	Nonce    uint64
}

// WithNonce returns a copy of i bound to nonce.
func (i Instruction) WithNonce(nonce uint64) Instruction {
	i.Nonce = nonce
	return i
}

// Fingerprint is keccak256(kind || u8(len(accounts)) || accounts || params || u64(nonce)).
func (i Instruction) Fingerprint() common.Hash {
	buf := make([]byte, 0, len(i.Kind)+1+32*len(i.Accounts)+len(i.Params)+8)
	buf = append(buf, i.Kind...)
	buf = append(buf, uint8(len(i.Accounts)))
	for _, a := range i.Accounts {
		buf = append(buf, a[:]...)
	}
	buf = append(buf, i.Params...)
	buf = binary.LittleEndian.AppendUint64(buf, i.Nonce)
	return common.BytesToHash(ethcrypto.Keccak256(buf))
}

// EncodeParams concatenates little-endian u64 parameters.
func EncodeParams(values ...uint64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8*i:], v)
	}
	return out
}

type State uint8

const (
	StateUnsigned State = iota
	StatePartiallySigned
	StateExecuted
)

func (s State) String() string {
	switch s {
	case StatePartiallySigned:
		return "partially_signed"
	case StateExecuted:
		return "executed"
	default:
		return "unsigned"
	}
}

// Multisig tracks signatures for the one pending instruction. Nonce advances
// on every execution and on Clear, so an approval is only good for the round
// it was given in.
type Multisig struct {
	Signers       []common.Address `json:"signers"`
	MinSignatures uint8            `json:"min_signatures"`
	Signed        []bool           `json:"signed"`
	Nonce         uint64           `json:"nonce"`

	InstructionHash        common.Hash `json:"instruction_hash"`
	InstructionAccountsLen uint8       `json:"instruction_accounts_len"`
	InstructionDataLen     uint16      `json:"instruction_data_len"`
}

func NewMultisig(signers []common.Address, minSignatures uint8) (*Multisig, error) {
	m := &Multisig{}
	if err := m.SetSigners(signers, minSignatures); err != nil {
		return nil, err
	}
	return m, nil
}

// SetSigners replaces the admin set and cancels any pending round.
func (m *Multisig) SetSigners(signers []common.Address, minSignatures uint8) error {
	if len(signers) == 0 || len(signers) > MaxSigners {
		return fmt.Errorf("%w: %d signers, want 1..%d", errs.ErrInvalidArgument, len(signers), MaxSigners)
	}
	if minSignatures == 0 || int(minSignatures) > len(signers) {
		return fmt.Errorf("%w: min signatures %d of %d", errs.ErrInvalidArgument, minSignatures, len(signers))
	}
	seen := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		if s == (common.Address{}) {
			return fmt.Errorf("%w: zero signer address", errs.ErrInvalidArgument)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: duplicate signer %s", errs.ErrInvalidArgument, s.Hex())
		}
		seen[s] = struct{}{}
	}

	m.Signers = append([]common.Address(nil), signers...)
	m.MinSignatures = minSignatures
	m.reset()
	return nil
}

func (m *Multisig) Clone() *Multisig {
	c := *m
	c.Signers = append([]common.Address(nil), m.Signers...)
	c.Signed = append([]bool(nil), m.Signed...)
	return &c
}

func (m *Multisig) SignerIndex(signer common.Address) (int, bool) {
	for i, s := range m.Signers {
		if s == signer {
			return i, true
		}
	}
	return -1, false
}

func (m *Multisig) NumSigned() uint8 {
	var n uint8
	for _, s := range m.Signed {
		if s {
			n++
		}
	}
	return n
}

func (m *Multisig) State() State {
	switch n := m.NumSigned(); {
	case n == 0:
		return StateUnsigned
	case n >= m.MinSignatures:
		return StateExecuted
	default:
		return StatePartiallySigned
	}
}

// Sign records signer's approval of ins and returns how many signatures are
// still missing. A fingerprint different from the pending one starts a new
// round with signer as its first approval. Zero means the caller may execute;
// the nonce has then moved on.
func (m *Multisig) Sign(signer common.Address, ins Instruction) (uint8, error) {
	idx, ok := m.SignerIndex(signer)
	if !ok {
		return 0, fmt.Errorf("%w: %s", errs.ErrMultisigAccountNotAuthorized, signer.Hex())
	}
	fp := ins.Fingerprint()
	if ins.Nonce != m.Nonce {
		if fp == m.InstructionHash && m.State() == StateExecuted {
			return 0, errs.ErrMultisigAlreadyExecuted
		}
		return 0, fmt.Errorf("%w: signed %d, current %d", errs.ErrMultisigStaleNonce, ins.Nonce, m.Nonce)
	}
	if len(m.Signed) != len(m.Signers) {
		m.Signed = make([]bool, len(m.Signers))
	}

	if fp != m.InstructionHash ||
		uint8(len(ins.Accounts)) != m.InstructionAccountsLen ||
		uint16(len(ins.Params)) != m.InstructionDataLen {
		m.InstructionHash = fp
		m.InstructionAccountsLen = uint8(len(ins.Accounts))
		m.InstructionDataLen = uint16(len(ins.Params))
		m.Signed = make([]bool, len(m.Signers))
	} else if m.Signed[idx] {
		return 0, errs.ErrMultisigAlreadySigned
	}

	m.Signed[idx] = true
	signed := m.NumSigned()
	if signed < m.MinSignatures {
		return m.MinSignatures - signed, nil
	}
	m.Nonce++
	return 0, nil
}

// Approve binds ins to the current nonce, recovers the admin from sig and
// records the approval. A signature over the round that just executed is
// reported as ErrMultisigAlreadyExecuted; any other stale signature recovers
// to an address outside the admin set.
func (m *Multisig) Approve(ins Instruction, sig []byte) (common.Address, uint8, error) {
	ins.Nonce = m.Nonce
	admin, err := RecoverSigner(ins.Fingerprint(), sig)
	if err != nil {
		return common.Address{}, 0, err
	}
	if _, ok := m.SignerIndex(admin); !ok && m.Nonce > 0 && m.State() == StateExecuted {
		prev := ins.WithNonce(m.Nonce - 1)
		if fp := prev.Fingerprint(); fp == m.InstructionHash {
			if old, err := RecoverSigner(fp, sig); err == nil {
				if _, ok := m.SignerIndex(old); ok {
					return old, 0, errs.ErrMultisigAlreadyExecuted
				}
			}
		}
	}
	remaining, err := m.Sign(admin, ins)
	return admin, remaining, err
}

// Clear cancels the pending round and invalidates approvals given for it.
func (m *Multisig) Clear() {
	m.reset()
	m.Nonce++
}

func (m *Multisig) reset() {
	m.Signed = make([]bool, len(m.Signers))
	m.InstructionHash = common.Hash{}
	m.InstructionAccountsLen = 0
	m.InstructionDataLen = 0
}
