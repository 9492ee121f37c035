package ledger

import "github.com/google/uuid"

// NewBatch starts an empty batch for one unit of work.
func NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
	}
}

// AddTransfer appends a journal moving amount from one token account to another.
func (b *Batch) AddTransfer(from, to TokenAccount, authority Pubkey, amount uint64, jt JournalType) Journal {
	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  to.Key,
		CreditAccount: from.Key,
		Authority:     authority,
		Mint:          from.Mint,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	}
	b.Journals = append(b.Journals, j)
	return j
}

// SetSequence stamps the batch and its journals with the committed sequence.
func (b *Batch) SetSequence(seq int64) {
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}

// SetEventRef ties the batch and its journals to the event that produced them.
func (b *Batch) SetEventRef(ref string) {
	b.EventRef = ref
	for i := range b.Journals {
		b.Journals[i].EventRef = ref
	}
}
