package ledger

import "fmt"

// InvariantValidator checks ledger invariants across a commit.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateSupplyUnchanged verifies transfers neither created nor destroyed tokens.
func (v *InvariantValidator) ValidateSupplyUnchanged(before map[Pubkey]uint64) error {
	after := v.tracker.SupplyByMint()
	for mint, total := range before {
		if after[mint] != total {
			return fmt.Errorf("supply of mint %s changed: %d -> %d", mint, total, after[mint])
		}
	}
	for mint, total := range after {
		if _, ok := before[mint]; !ok && total != 0 {
			return fmt.Errorf("supply of mint %s appeared: %d", mint, total)
		}
	}
	return nil
}
