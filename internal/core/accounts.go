package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/governance"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/state"
)

// AccountsDB is the host account store. Raw accounts hold program bytes
// (positions) and lamports; configuration records are kept typed.
// Token balances live in the BalanceTracker.
type AccountsDB struct {
	program ledger.Pubkey
	clock   Clock

	// mu guards the maps and the tracker. Operations serialize on keyLocks;
	// commitMu orders commits.
	mu         sync.RWMutex
	commitMu   sync.Mutex
	keyLocks   map[ledger.Pubkey]*sync.Mutex
	accounts   map[ledger.Pubkey]*ledger.Account
	custodies  map[ledger.Pubkey]*state.Custody
	pools      map[ledger.Pubkey]*state.Pool
	perpetuals map[ledger.Pubkey]*state.Perpetuals
	multisigs  map[ledger.Pubkey]*governance.Multisig
	tracker    *ledger.BalanceTracker
	validator  *ledger.InvariantValidator
}

func NewAccountsDB(program ledger.Pubkey, clock Clock) *AccountsDB {
	tracker := ledger.NewBalanceTracker()
	return &AccountsDB{
		program:    program,
		clock:      clock,
		keyLocks:   make(map[ledger.Pubkey]*sync.Mutex),
		accounts:   make(map[ledger.Pubkey]*ledger.Account),
		custodies:  make(map[ledger.Pubkey]*state.Custody),
		pools:      make(map[ledger.Pubkey]*state.Pool),
		perpetuals: make(map[ledger.Pubkey]*state.Perpetuals),
		multisigs:  make(map[ledger.Pubkey]*governance.Multisig),
		tracker:    tracker,
		validator:  ledger.NewInvariantValidator(tracker),
	}
}

func (db *AccountsDB) Program() ledger.Pubkey { return db.program }

func (db *AccountsDB) Clock() Clock { return db.clock }

// --- Setup ---

func (db *AccountsDB) CreateAccount(acc ledger.Account) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.accounts[acc.Key]; exists {
		return fmt.Errorf("account %s already exists", acc.Key)
	}
	db.accounts[acc.Key] = acc.Clone()
	return nil
}

func (db *AccountsDB) PutCustody(key ledger.Pubkey, c *state.Custody) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.custodies[key] = c.Clone()
}

func (db *AccountsDB) PutPool(key ledger.Pubkey, p *state.Pool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pools[key] = p.Clone()
}

func (db *AccountsDB) PutPerpetuals(key ledger.Pubkey, p *state.Perpetuals) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.perpetuals[key] = p.Clone()
}

func (db *AccountsDB) PutMultisig(key ledger.Pubkey, m *governance.Multisig) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.multisigs[key] = m.Clone()
}

func (db *AccountsDB) OpenTokenAccount(ta ledger.TokenAccount) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tracker.Open(ta)
}

// PutTokenAccount overwrites a token balance outside any unit of work, e.g.
// when funding a custody at setup.
func (db *AccountsDB) PutTokenAccount(ta ledger.TokenAccount) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tracker.Set(ta)
}

// --- Reads outside a unit of work ---

func (db *AccountsDB) GetAccount(key ledger.Pubkey) (*ledger.Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	a, ok := db.accounts[key]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (db *AccountsDB) GetCustody(key ledger.Pubkey) (*state.Custody, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.custodies[key]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (db *AccountsDB) GetPool(key ledger.Pubkey) (*state.Pool, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p, ok := db.pools[key]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (db *AccountsDB) GetPerpetuals(key ledger.Pubkey) (*state.Perpetuals, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p, ok := db.perpetuals[key]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (db *AccountsDB) GetMultisig(key ledger.Pubkey) (*governance.Multisig, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.multisigs[key]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (db *AccountsDB) GetTokenAccount(key ledger.Pubkey) (ledger.TokenAccount, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tracker.Get(key)
}

// ProgramAccounts returns copies of every account owned by the program,
// ordered by key.
func (db *AccountsDB) ProgramAccounts() []*ledger.Account {
	db.mu.RLock()
	out := make([]*ledger.Account, 0, len(db.accounts))
	for _, a := range db.accounts {
		if a.Owner == db.program {
			out = append(out, a.Clone())
		}
	}
	db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out
}

// CustodyKeys lists custodies in key order.
func (db *AccountsDB) CustodyKeys() []ledger.Pubkey {
	db.mu.RLock()
	keys := make([]ledger.Pubkey, 0, len(db.custodies))
	for k := range db.custodies {
		keys = append(keys, k)
	}
	db.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// --- Units of work ---

// StateDelta holds the post-commit value of every record a unit of work
// touched. Replaying deltas in sequence order on top of a snapshot rebuilds
// the store.
type StateDelta struct {
	Accounts   []*ledger.Account                      `json:"accounts,omitempty"`
	Closed     []ledger.Pubkey                        `json:"closed,omitempty"`
	Custodies  map[ledger.Pubkey]*state.Custody       `json:"custodies,omitempty"`
	Pools      map[ledger.Pubkey]*state.Pool          `json:"pools,omitempty"`
	Perpetuals map[ledger.Pubkey]*state.Perpetuals    `json:"perpetuals,omitempty"`
	Multisigs  map[ledger.Pubkey]*governance.Multisig `json:"multisigs,omitempty"`
	Tokens     []ledger.TokenAccount                  `json:"tokens,omitempty"`
}

// Changes describes a committed unit of work.
type Changes struct {
	Delta   *StateDelta
	Encoded []byte // canonical JSON of Delta
	Digest  []byte // SHA-256 of Encoded
	Batch   *ledger.Batch
}

// Execute runs fn over a copy-on-write view limited to keys. Per-account
// locks are taken in key order. The view is committed when fn returns nil
// and discarded otherwise.
func (db *AccountsDB) Execute(ctx context.Context, keys []ledger.Pubkey, fn func(tx *Tx) error) (*Changes, error) {
	return db.ExecuteThen(ctx, keys, fn, nil)
}

// ExecuteThen is Execute with a hook that runs right after commit, before the
// account locks are released. Commits and hooks are serialized, so hooks see
// commits in order.
func (db *AccountsDB) ExecuteThen(ctx context.Context, keys []ledger.Pubkey, fn func(tx *Tx) error, then func(*Changes)) (*Changes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := db.lockKeys(keys)
	defer unlock()

	tx := newTx(db, keys, db.clock.Now())
	if err := fn(tx); err != nil {
		return nil, err
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	changes, err := db.commit(tx)
	if err != nil {
		return nil, err
	}
	if then != nil {
		then(changes)
	}
	return changes, nil
}

// Serialize runs fn between commits. Snapshots use it to pair the store with
// the sequence of the last emitted commit.
func (db *AccountsDB) Serialize(fn func()) {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	fn()
}

func (db *AccountsDB) lockKeys(keys []ledger.Pubkey) func() {
	sorted := dedupKeys(keys)

	db.mu.Lock()
	locks := make([]*sync.Mutex, len(sorted))
	for i, k := range sorted {
		l, ok := db.keyLocks[k]
		if !ok {
			l = &sync.Mutex{}
			db.keyLocks[k] = l
		}
		locks[i] = l
	}
	db.mu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (db *AccountsDB) commit(tx *Tx) (*Changes, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	delta := &StateDelta{}
	var batch *ledger.Batch
	if len(tx.batch.Journals) > 0 {
		supply := db.tracker.SupplyByMint()
		if err := db.tracker.ApplyBatch(tx.batch); err != nil {
			return nil, fmt.Errorf("apply transfers: %w", err)
		}
		if err := db.validator.ValidateSupplyUnchanged(supply); err != nil {
			panic(fmt.Sprintf("FATAL: token supply changed by transfer batch: %v", err))
		}
		batch = tx.batch
		for _, key := range touchedTokenAccounts(batch) {
			ta, _ := db.tracker.Get(key)
			delta.Tokens = append(delta.Tokens, ta)
		}
	}

	for _, key := range sortedKeys(tx.accounts) {
		if tx.closed[key] {
			delete(db.accounts, key)
			delta.Closed = append(delta.Closed, key)
			continue
		}
		acc := tx.accounts[key]
		db.accounts[key] = acc
		delta.Accounts = append(delta.Accounts, acc.Clone())
	}
	if len(tx.custodies) > 0 {
		delta.Custodies = make(map[ledger.Pubkey]*state.Custody, len(tx.custodies))
		for key, c := range tx.custodies {
			db.custodies[key] = c
			delta.Custodies[key] = c.Clone()
		}
	}
	if len(tx.pools) > 0 {
		delta.Pools = make(map[ledger.Pubkey]*state.Pool, len(tx.pools))
		for key, p := range tx.pools {
			db.pools[key] = p
			delta.Pools[key] = p.Clone()
		}
	}
	if len(tx.perpetuals) > 0 {
		delta.Perpetuals = make(map[ledger.Pubkey]*state.Perpetuals, len(tx.perpetuals))
		for key, p := range tx.perpetuals {
			db.perpetuals[key] = p
			delta.Perpetuals[key] = p.Clone()
		}
	}
	if len(tx.multisigs) > 0 {
		delta.Multisigs = make(map[ledger.Pubkey]*governance.Multisig, len(tx.multisigs))
		for key, m := range tx.multisigs {
			db.multisigs[key] = m
			delta.Multisigs[key] = m.Clone()
		}
	}

	// Map keys marshal in sorted order, so the encoding is canonical.
	encoded, err := json.Marshal(delta)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode state delta: %v", err))
	}
	digest := sha256.Sum256(encoded)
	return &Changes{Delta: delta, Encoded: encoded, Digest: digest[:], Batch: batch}, nil
}

// ApplyDelta replays a committed delta during recovery.
func (db *AccountsDB) ApplyDelta(delta *StateDelta) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, a := range delta.Accounts {
		db.accounts[a.Key] = a.Clone()
	}
	for _, key := range delta.Closed {
		delete(db.accounts, key)
	}
	for k, c := range delta.Custodies {
		db.custodies[k] = c.Clone()
	}
	for k, p := range delta.Pools {
		db.pools[k] = p.Clone()
	}
	for k, p := range delta.Perpetuals {
		db.perpetuals[k] = p.Clone()
	}
	for k, m := range delta.Multisigs {
		db.multisigs[k] = m.Clone()
	}
	for _, ta := range delta.Tokens {
		if err := db.tracker.Set(ta); err != nil {
			return fmt.Errorf("replay token account %s: %w", ta.Key, err)
		}
	}
	return nil
}

func touchedTokenAccounts(b *ledger.Batch) []ledger.Pubkey {
	keys := make([]ledger.Pubkey, 0, 2*len(b.Journals))
	for _, j := range b.Journals {
		keys = append(keys, j.CreditAccount, j.DebitAccount)
	}
	return dedupKeys(keys)
}

func sortedKeys[V any](m map[ledger.Pubkey]V) []ledger.Pubkey {
	keys := make([]ledger.Pubkey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Tx is one operation's view of the store. Records are cloned on first access;
// writes stay local until commit.
type Tx struct {
	db       *AccountsDB
	declared map[ledger.Pubkey]struct{}
	now      int64

	accounts   map[ledger.Pubkey]*ledger.Account
	closed     map[ledger.Pubkey]bool
	custodies  map[ledger.Pubkey]*state.Custody
	pools      map[ledger.Pubkey]*state.Pool
	perpetuals map[ledger.Pubkey]*state.Perpetuals
	multisigs  map[ledger.Pubkey]*governance.Multisig

	tokens map[ledger.Pubkey]ledger.TokenAccount
	batch  *ledger.Batch
}

func newTx(db *AccountsDB, keys []ledger.Pubkey, now int64) *Tx {
	declared := make(map[ledger.Pubkey]struct{}, len(keys))
	for _, k := range keys {
		declared[k] = struct{}{}
	}
	return &Tx{
		db:         db,
		declared:   declared,
		now:        now,
		accounts:   make(map[ledger.Pubkey]*ledger.Account),
		closed:     make(map[ledger.Pubkey]bool),
		custodies:  make(map[ledger.Pubkey]*state.Custody),
		pools:      make(map[ledger.Pubkey]*state.Pool),
		perpetuals: make(map[ledger.Pubkey]*state.Perpetuals),
		multisigs:  make(map[ledger.Pubkey]*governance.Multisig),
		tokens:     make(map[ledger.Pubkey]ledger.TokenAccount),
		batch:      ledger.NewBatch("", now),
	}
}

func (tx *Tx) Now() int64 { return tx.now }

func (tx *Tx) Program() ledger.Pubkey { return tx.db.program }

func (tx *Tx) checkDeclared(key ledger.Pubkey) error {
	if _, ok := tx.declared[key]; !ok {
		return fmt.Errorf("%w: %s", errs.ErrAccountNotDeclared, key)
	}
	return nil
}

// Account returns the writable copy of a raw account.
func (tx *Tx) Account(key ledger.Pubkey) (*ledger.Account, error) {
	if err := tx.checkDeclared(key); err != nil {
		return nil, err
	}
	if tx.closed[key] {
		return nil, fmt.Errorf("%w: %s closed", errs.ErrAccountNotFound, key)
	}
	if a, ok := tx.accounts[key]; ok {
		return a, nil
	}
	a, ok := tx.db.GetAccount(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrAccountNotFound, key)
	}
	tx.accounts[key] = a
	return a, nil
}

// accountOrNew returns the account, creating an empty system-owned one when
// it does not exist yet. Used for lamport destinations.
func (tx *Tx) accountOrNew(key ledger.Pubkey) (*ledger.Account, error) {
	a, err := tx.Account(key)
	if err == nil {
		return a, nil
	}
	if err := tx.checkDeclared(key); err != nil {
		return nil, err
	}
	a = &ledger.Account{Key: key, Owner: ledger.SystemProgram}
	delete(tx.closed, key)
	tx.accounts[key] = a
	return a, nil
}

func (tx *Tx) Custody(key ledger.Pubkey) (*state.Custody, error) {
	if err := tx.checkDeclared(key); err != nil {
		return nil, err
	}
	if c, ok := tx.custodies[key]; ok {
		return c, nil
	}
	c, ok := tx.db.GetCustody(key)
	if !ok {
		return nil, fmt.Errorf("%w: custody %s", errs.ErrAccountNotFound, key)
	}
	tx.custodies[key] = c
	return c, nil
}

func (tx *Tx) Pool(key ledger.Pubkey) (*state.Pool, error) {
	if err := tx.checkDeclared(key); err != nil {
		return nil, err
	}
	if p, ok := tx.pools[key]; ok {
		return p, nil
	}
	p, ok := tx.db.GetPool(key)
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", errs.ErrAccountNotFound, key)
	}
	tx.pools[key] = p
	return p, nil
}

func (tx *Tx) Perpetuals(key ledger.Pubkey) (*state.Perpetuals, error) {
	if err := tx.checkDeclared(key); err != nil {
		return nil, err
	}
	if p, ok := tx.perpetuals[key]; ok {
		return p, nil
	}
	p, ok := tx.db.GetPerpetuals(key)
	if !ok {
		return nil, fmt.Errorf("%w: perpetuals %s", errs.ErrAccountNotFound, key)
	}
	tx.perpetuals[key] = p
	return p, nil
}

func (tx *Tx) Multisig(key ledger.Pubkey) (*governance.Multisig, error) {
	if err := tx.checkDeclared(key); err != nil {
		return nil, err
	}
	if m, ok := tx.multisigs[key]; ok {
		return m, nil
	}
	m, ok := tx.db.GetMultisig(key)
	if !ok {
		return nil, fmt.Errorf("%w: multisig %s", errs.ErrAccountNotFound, key)
	}
	tx.multisigs[key] = m
	return m, nil
}

// TokenAccount returns the token account as seen by this unit of work,
// including transfers already queued in it.
func (tx *Tx) TokenAccount(key ledger.Pubkey) (ledger.TokenAccount, error) {
	if err := tx.checkDeclared(key); err != nil {
		return ledger.TokenAccount{}, err
	}
	if ta, ok := tx.tokens[key]; ok {
		return ta, nil
	}
	ta, ok := tx.db.GetTokenAccount(key)
	if !ok {
		return ledger.TokenAccount{}, fmt.Errorf("%w: token account %s", errs.ErrAccountNotFound, key)
	}
	tx.tokens[key] = ta
	return ta, nil
}

// TransferTokens queues a transfer signed by authority. It is checked against
// this view immediately and applied to the tracker at commit.
func (tx *Tx) TransferTokens(from, to, authority ledger.Pubkey, amount uint64) error {
	src, err := tx.TokenAccount(from)
	if err != nil {
		return err
	}
	dst, err := tx.TokenAccount(to)
	if err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}

	j := tx.batch.AddTransfer(src, dst, authority, amount, ledger.JournalTypeSettlement)
	if err := ledger.CheckJournal(tx.tokens, j); err != nil {
		tx.batch.Journals = tx.batch.Journals[:len(tx.batch.Journals)-1]
		return err
	}
	return nil
}

// Realloc resizes a raw account to newLen bytes. The payer funds a higher
// minimum balance and receives any excess. New bytes are zero.
func (tx *Tx) Realloc(key ledger.Pubkey, newLen int, payer ledger.Pubkey) error {
	if newLen < 0 {
		return fmt.Errorf("%w: length %d", errs.ErrInvalidArgument, newLen)
	}
	acc, err := tx.Account(key)
	if err != nil {
		return err
	}
	p, err := tx.accountOrNew(payer)
	if err != nil {
		return err
	}

	required := ledger.MinimumBalance(newLen)
	switch {
	case acc.Lamports < required:
		need := required - acc.Lamports
		if p.Lamports < need {
			return fmt.Errorf("%w: payer has %d lamports, resize needs %d", errs.ErrInsufficientFunds, p.Lamports, need)
		}
		p.Lamports -= need
		acc.Lamports = required
	case acc.Lamports > required:
		refund := acc.Lamports - required
		if p.Lamports, err = fpmath.CheckedAdd(p.Lamports, refund); err != nil {
			return err
		}
		acc.Lamports = required
	}

	if newLen <= len(acc.Data) {
		acc.Data = acc.Data[:newLen:newLen]
		return nil
	}
	grown := make([]byte, newLen)
	copy(grown, acc.Data)
	acc.Data = grown
	return nil
}

// CloseAccount deletes a raw account and moves its lamports to dest.
func (tx *Tx) CloseAccount(key, dest ledger.Pubkey) error {
	if key == dest {
		return fmt.Errorf("%w: close into itself", errs.ErrInvalidArgument)
	}
	acc, err := tx.Account(key)
	if err != nil {
		return err
	}
	d, err := tx.accountOrNew(dest)
	if err != nil {
		return err
	}
	if d.Lamports, err = fpmath.CheckedAdd(d.Lamports, acc.Lamports); err != nil {
		return err
	}
	acc.Lamports = 0
	acc.Data = nil
	tx.closed[key] = true
	return nil
}

func dedupKeys(keys []ledger.Pubkey) []ledger.Pubkey {
	seen := make(map[ledger.Pubkey]struct{}, len(keys))
	out := make([]ledger.Pubkey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []ledger.Pubkey) {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
}
