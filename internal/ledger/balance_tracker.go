package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"PerpCustody/internal/errs"
	fpmath "PerpCustody/internal/math"
)

// BalanceTracker maintains in-memory token account balances
type BalanceTracker struct {
	accounts map[Pubkey]*TokenAccount
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		accounts: make(map[Pubkey]*TokenAccount),
	}
}

// Open registers a token account. Keys are unique.
func (bt *BalanceTracker) Open(acc TokenAccount) error {
	if _, exists := bt.accounts[acc.Key]; exists {
		return fmt.Errorf("token account %s already exists", acc.Key)
	}
	a := acc
	bt.accounts[acc.Key] = &a
	return nil
}

// Set overwrites or creates a token account. Used when replaying committed
// balances; transfers go through ApplyBatch.
func (bt *BalanceTracker) Set(acc TokenAccount) error {
	if existing, ok := bt.accounts[acc.Key]; ok && existing.Mint != acc.Mint {
		return fmt.Errorf("%w: token account %s changes mint", errs.ErrInvalidMint, acc.Key)
	}
	a := acc
	bt.accounts[acc.Key] = &a
	return nil
}

// Get returns a copy of the token account.
func (bt *BalanceTracker) Get(key Pubkey) (TokenAccount, bool) {
	a, ok := bt.accounts[key]
	if !ok {
		return TokenAccount{}, false
	}
	return *a, true
}

func (bt *BalanceTracker) GetBalance(key Pubkey) uint64 {
	if a, ok := bt.accounts[key]; ok {
		return a.Amount
	}
	return 0
}

// CheckJournal validates j against the given view of the accounts and applies it to the view.
func CheckJournal(view map[Pubkey]TokenAccount, j Journal) error {
	from, ok := view[j.CreditAccount]
	if !ok {
		return fmt.Errorf("%w: token account %s", errs.ErrAccountNotFound, j.CreditAccount)
	}
	to, ok := view[j.DebitAccount]
	if !ok {
		return fmt.Errorf("%w: token account %s", errs.ErrAccountNotFound, j.DebitAccount)
	}
	if from.Mint != j.Mint || to.Mint != j.Mint {
		return fmt.Errorf("%w: journal %s", errs.ErrInvalidMint, j.JournalID)
	}
	if from.Owner != j.Authority {
		return fmt.Errorf("%w: %s cannot spend from %s", errs.ErrInvalidOwner, j.Authority, from.Key)
	}

	remaining, err := fpmath.CheckedSub(from.Amount, j.Amount)
	if err != nil {
		return fmt.Errorf("%w: have=%d, need=%d", errs.ErrInsufficientFunds, from.Amount, j.Amount)
	}
	credited, err := fpmath.CheckedAdd(to.Amount, j.Amount)
	if err != nil {
		return err
	}
	from.Amount = remaining
	to.Amount = credited
	view[from.Key] = from
	view[to.Key] = to
	return nil
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	view := make(map[Pubkey]TokenAccount)
	for _, j := range batch.Journals {
		for _, key := range []Pubkey{j.CreditAccount, j.DebitAccount} {
			if a, ok := bt.accounts[key]; ok {
				view[key] = *a
			}
		}
	}

	for _, j := range batch.Journals {
		if err := CheckJournal(view, j); err != nil {
			return err
		}
	}

	for key, a := range view {
		*bt.accounts[key] = a
	}
	return nil
}

// SupplyByMint sums balances per mint. Transfers must leave it unchanged.
func (bt *BalanceTracker) SupplyByMint() map[Pubkey]uint64 {
	totals := make(map[Pubkey]uint64)
	for _, a := range bt.accounts {
		totals[a.Mint] = fpmath.SaturatingAdd(totals[a.Mint], a.Amount)
	}
	return totals
}

// Snapshot returns a copy of all token accounts, ordered by key.
func (bt *BalanceTracker) Snapshot() []TokenAccount {
	out := make([]TokenAccount, 0, len(bt.accounts))
	for _, a := range bt.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out
}
