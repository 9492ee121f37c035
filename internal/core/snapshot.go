package core

import (
	"fmt"

	"PerpCustody/internal/governance"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/state"
)

// AccountsSnapshot is a point-in-time copy of the whole store, tagged with
// the last sequence it includes. Accounts and token balances are ordered by
// key, so equal stores produce equal snapshots.
type AccountsSnapshot struct {
	Sequence   int64                                  `json:"sequence"`
	StateHash  [32]byte                               `json:"state_hash"`
	Accounts   []*ledger.Account                      `json:"accounts"`
	Custodies  map[ledger.Pubkey]*state.Custody       `json:"custodies"`
	Pools      map[ledger.Pubkey]*state.Pool          `json:"pools"`
	Perpetuals map[ledger.Pubkey]*state.Perpetuals    `json:"perpetuals"`
	Multisigs  map[ledger.Pubkey]*governance.Multisig `json:"multisigs"`
	Tokens     []ledger.TokenAccount                  `json:"tokens"`
}

// Snapshot copies the store. Callers that need a consistent sequence take it
// through Engine.Snapshot, which holds the emit lock.
func (db *AccountsDB) Snapshot() *AccountsSnapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()

	snap := &AccountsSnapshot{
		Accounts:   make([]*ledger.Account, 0, len(db.accounts)),
		Custodies:  make(map[ledger.Pubkey]*state.Custody, len(db.custodies)),
		Pools:      make(map[ledger.Pubkey]*state.Pool, len(db.pools)),
		Perpetuals: make(map[ledger.Pubkey]*state.Perpetuals, len(db.perpetuals)),
		Multisigs:  make(map[ledger.Pubkey]*governance.Multisig, len(db.multisigs)),
		Tokens:     db.tracker.Snapshot(),
	}
	for _, key := range sortedKeys(db.accounts) {
		snap.Accounts = append(snap.Accounts, db.accounts[key].Clone())
	}
	for k, c := range db.custodies {
		snap.Custodies[k] = c.Clone()
	}
	for k, p := range db.pools {
		snap.Pools[k] = p.Clone()
	}
	for k, p := range db.perpetuals {
		snap.Perpetuals[k] = p.Clone()
	}
	for k, m := range db.multisigs {
		snap.Multisigs[k] = m.Clone()
	}
	return snap
}

// Restore loads a snapshot into an empty store.
func (db *AccountsDB) Restore(snap *AccountsSnapshot) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(db.accounts)+len(db.custodies)+len(db.pools)+len(db.perpetuals)+len(db.multisigs) > 0 {
		return fmt.Errorf("restore into non-empty accounts store")
	}
	for _, a := range snap.Accounts {
		db.accounts[a.Key] = a.Clone()
	}
	for k, c := range snap.Custodies {
		db.custodies[k] = c.Clone()
	}
	for k, p := range snap.Pools {
		db.pools[k] = p.Clone()
	}
	for k, p := range snap.Perpetuals {
		db.perpetuals[k] = p.Clone()
	}
	for k, m := range snap.Multisigs {
		db.multisigs[k] = m.Clone()
	}
	for _, ta := range snap.Tokens {
		if err := db.tracker.Open(ta); err != nil {
			return fmt.Errorf("restore token account: %w", err)
		}
	}
	return nil
}
