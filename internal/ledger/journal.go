package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a token movement
type JournalType int32

const (
	JournalTypeSettlement JournalType = iota
	JournalTypeAdjustment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeSettlement:
		return "settlement"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// TokenAccount holds a balance of one mint, spendable by Owner.
type TokenAccount struct {
	Key    Pubkey `json:"key"`
	Mint   Pubkey `json:"mint"`
	Owner  Pubkey `json:"owner"`
	Amount uint64 `json:"amount"`
}

// Journal moves Amount of Mint from CreditAccount to DebitAccount, signed by Authority.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  Pubkey // balance increases
	CreditAccount Pubkey // balance decreases
	Authority     Pubkey
	Mint          Pubkey
	Amount        uint64
	JournalType   JournalType
	Timestamp     int64
}

// Batch groups the token movements of one unit of work.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal is balanced by
// construction: one amount leaves the credit account and enters the debit account.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == 0 {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
