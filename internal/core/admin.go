package core

import (
	"context"
	"fmt"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/event"
	"PerpCustody/internal/governance"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	opUpgrade        = "upgrade_position"
	opSetPermissions = "set_permissions"
	opSetSigners     = "set_admin_signers"
)

// UpgradeInstruction is what admins sign to migrate a deprecated position.
func UpgradeInstruction(program, pool, position ledger.Pubkey) governance.Instruction {
	return governance.Instruction{
		Kind:     governance.KindUpgradePosition,
		Accounts: []ledger.Pubkey{ledger.MultisigAddress(program), pool, position},
	}
}

// PermissionsInstruction covers the global flags, or one custody's flags when
// custody is non-nil.
func PermissionsInstruction(program ledger.Pubkey, custody *ledger.Pubkey, allowOpen, allowClose bool) governance.Instruction {
	accounts := []ledger.Pubkey{ledger.MultisigAddress(program), ledger.PerpetualsAddress(program)}
	if custody != nil {
		accounts = append(accounts, *custody)
	}
	return governance.Instruction{
		Kind:     governance.KindSetPermissions,
		Accounts: accounts,
		Params:   governance.EncodeParams(boolParam(allowOpen), boolParam(allowClose)),
	}
}

func AdminSignersInstruction(program ledger.Pubkey, signers []common.Address, minSignatures uint8) governance.Instruction {
	params := make([]byte, 0, 1+common.AddressLength*len(signers))
	params = append(params, minSignatures)
	for _, s := range signers {
		params = append(params, s.Bytes()...)
	}
	return governance.Instruction{
		Kind:     governance.KindSetAdminSigners,
		Accounts: []ledger.Pubkey{ledger.MultisigAddress(program)},
		Params:   params,
	}
}

func boolParam(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

type approval struct {
	admin     common.Address
	remaining uint8
	// fingerprint is ins bound to the nonce it was approved under.
	fingerprint common.Hash
	// signed is set below quorum; the caller emits it instead of executing.
	signed event.Event
}

// approve records the recovered admin's signature on the multisig.
func (e *Engine) approve(tx *Tx, ins governance.Instruction, signature []byte) (approval, error) {
	ms, err := tx.Multisig(e.multisigKey())
	if err != nil {
		return approval{}, err
	}
	ins = ins.WithNonce(ms.Nonce)
	fp := ins.Fingerprint()
	admin, remaining, err := ms.Approve(ins, signature)
	if err != nil {
		return approval{}, err
	}
	if e.metrics != nil {
		e.metrics.MultisigApprovals.WithLabelValues(ins.Kind, ms.State().String()).Inc()
	}
	e.logger.Info().
		Str("kind", ins.Kind).
		Str("admin", admin.Hex()).
		Str("fingerprint", fp.Hex()).
		Uint64("nonce", ins.Nonce).
		Uint8("remaining", remaining).
		Msg("multisig approval")

	a := approval{admin: admin, remaining: remaining, fingerprint: fp}
	if remaining > 0 {
		a.signed = &event.MultisigSigned{
			EventID:     uuid.New(),
			Kind:        ins.Kind,
			Fingerprint: fp.Hex(),
			Signer:      admin.Hex(),
			Remaining:   remaining,
			Timestamp:   tx.Now(),
		}
	}
	return a, nil
}

// UpgradePositionRequest migrates one deprecated position. Signature is the
// admin's approval of UpgradeInstruction; Payer funds the resize and
// PayerSignature is its ed25519 signature of the same nonce-bound fingerprint.
// Only the request that completes the quorum spends from Payer, so only that
// one needs PayerSignature.
type UpgradePositionRequest struct {
	Payer          ledger.Pubkey
	PayerSignature []byte
	Signature      []byte
	Pool           ledger.Pubkey
	Position       ledger.Pubkey
}

// UpgradePosition rewrites a deprecated position into the current layout once
// enough admins have approved it. It returns the signatures still missing;
// zero means the migration ran.
func (e *Engine) UpgradePosition(ctx context.Context, req UpgradePositionRequest) (uint8, error) {
	ins := UpgradeInstruction(e.program, req.Pool, req.Position)
	keys := []ledger.Pubkey{req.Payer, e.multisigKey(), req.Pool, req.Position}

	var remaining uint8
	_, err := e.execute(ctx, opUpgrade, nil, keys, func(tx *Tx) (event.Event, error) {
		a, err := e.approve(tx, ins, req.Signature)
		if err != nil {
			return nil, err
		}
		if remaining = a.remaining; remaining > 0 {
			return a.signed, nil
		}

		acc, err := tx.Account(req.Position)
		if err != nil {
			return nil, err
		}
		if acc.Owner != e.program {
			return nil, fmt.Errorf("%w: position %s owned by %s", errs.ErrIllegalOwner, req.Position, acc.Owner)
		}
		oldLen := len(acc.Data)
		if oldLen != state.DeprecatedPositionLen {
			return nil, fmt.Errorf("%w: position %s is %d bytes, want %d",
				errs.ErrInvalidAccountData, req.Position, oldLen, state.DeprecatedPositionLen)
		}

		deprecated, err := state.DecodeDeprecatedPositionUnchecked(acc.Data)
		if err != nil {
			return nil, err
		}
		pos := deprecated.Upgrade()

		if err := ledger.VerifySignature(req.Payer, a.fingerprint.Bytes(), req.PayerSignature); err != nil {
			return nil, fmt.Errorf("payer approval: %w", err)
		}
		if err := tx.Realloc(req.Position, state.PositionLen, req.Payer); err != nil {
			return nil, err
		}
		if len(acc.Data) != state.PositionLen {
			return nil, fmt.Errorf("%w: resized to %d bytes", errs.ErrInvalidAccountData, len(acc.Data))
		}
		if err := pos.SerializeInto(acc.Data); err != nil {
			return nil, err
		}

		return &event.PositionUpgraded{
			EventID:     uuid.New(),
			Position:    req.Position,
			Custody:     pos.Custody,
			Admin:       a.admin.Hex(),
			Fingerprint: a.fingerprint.Hex(),
			OldLen:      oldLen,
			NewLen:      state.PositionLen,
			Timestamp:   tx.Now(),
		}, nil
	})
	if err != nil {
		return 0, err
	}

	if remaining == 0 {
		if e.metrics != nil {
			e.metrics.PositionsUpgraded.Inc()
		}
		e.logger.Info().Str("position", req.Position.String()).Msg("position upgraded")
	}
	return remaining, nil
}

// SetPermissionsRequest sets the open and close flags globally, or on one
// custody when Custody is non-nil.
type SetPermissionsRequest struct {
	Signature          []byte
	Custody            *ledger.Pubkey
	AllowOpenPosition  bool
	AllowClosePosition bool
}

func (e *Engine) SetPermissions(ctx context.Context, req SetPermissionsRequest) (uint8, error) {
	ins := PermissionsInstruction(e.program, req.Custody, req.AllowOpenPosition, req.AllowClosePosition)
	keys := []ledger.Pubkey{e.multisigKey(), e.perpetualsKey()}
	if req.Custody != nil {
		keys = append(keys, *req.Custody)
	}

	var remaining uint8
	_, err := e.execute(ctx, opSetPermissions, req.Custody, keys, func(tx *Tx) (event.Event, error) {
		a, err := e.approve(tx, ins, req.Signature)
		if err != nil {
			return nil, err
		}
		if remaining = a.remaining; remaining > 0 {
			return a.signed, nil
		}

		perms := state.Permissions{
			AllowOpenPosition:  req.AllowOpenPosition,
			AllowClosePosition: req.AllowClosePosition,
		}
		if req.Custody != nil {
			custody, err := tx.Custody(*req.Custody)
			if err != nil {
				return nil, err
			}
			custody.Permissions = perms
		} else {
			perps, err := tx.Perpetuals(e.perpetualsKey())
			if err != nil {
				return nil, err
			}
			perps.Permissions = perms
		}

		return &event.PermissionsUpdated{
			EventID:            uuid.New(),
			Custody:            req.Custody,
			AllowOpenPosition:  req.AllowOpenPosition,
			AllowClosePosition: req.AllowClosePosition,
			Timestamp:          tx.Now(),
		}, nil
	})
	return remaining, err
}

type SetAdminSignersRequest struct {
	Signature     []byte
	Signers       []common.Address
	MinSignatures uint8
}

// SetAdminSigners replaces the admin set. The new set starts with no pending
// round.
func (e *Engine) SetAdminSigners(ctx context.Context, req SetAdminSignersRequest) (uint8, error) {
	ins := AdminSignersInstruction(e.program, req.Signers, req.MinSignatures)

	var remaining uint8
	_, err := e.execute(ctx, opSetSigners, nil, []ledger.Pubkey{e.multisigKey()}, func(tx *Tx) (event.Event, error) {
		a, err := e.approve(tx, ins, req.Signature)
		if err != nil {
			return nil, err
		}
		if remaining = a.remaining; remaining > 0 {
			return a.signed, nil
		}

		ms, err := tx.Multisig(e.multisigKey())
		if err != nil {
			return nil, err
		}
		if err := ms.SetSigners(req.Signers, req.MinSignatures); err != nil {
			return nil, err
		}

		hexes := make([]string, len(req.Signers))
		for i, s := range req.Signers {
			hexes[i] = s.Hex()
		}
		return &event.AdminSignersUpdated{
			EventID:       uuid.New(),
			Signers:       hexes,
			MinSignatures: req.MinSignatures,
			Timestamp:     tx.Now(),
		}, nil
	})
	return remaining, err
}
