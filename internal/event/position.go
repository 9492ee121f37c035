package event

import (
	"PerpCustody/internal/ledger"

	"github.com/google/uuid"
)

// PositionTriggered is emitted when a stop-loss or take-profit closes a position.
// Idempotency key: EventID. The position key alone is reusable once closed.
type PositionTriggered struct {
	EventID   uuid.UUID     `json:"event_id"`
	Position  ledger.Pubkey `json:"position"`
	Owner     ledger.Pubkey `json:"owner"`
	Pool      ledger.Pubkey `json:"pool"`
	Custody   ledger.Pubkey `json:"custody"`
	Receiving ledger.Pubkey `json:"receiving"`
	Signer    ledger.Pubkey `json:"signer"`
	Side      string        `json:"side"`

	HintPrice      uint64 `json:"hint_price"`
	ExitPrice      uint64 `json:"exit_price"`
	SizeUSD        uint64 `json:"size_usd"`
	TransferAmount uint64 `json:"transfer_amount"`
	FeeAmount      uint64 `json:"fee_amount"`
	ProtocolFee    uint64 `json:"protocol_fee"`
	ProfitUSD      uint64 `json:"profit_usd"`
	LossUSD        uint64 `json:"loss_usd"`

	StopLossTriggered   bool `json:"stop_loss_triggered"`
	TakeProfitTriggered bool `json:"take_profit_triggered"`

	Timestamp int64 `json:"timestamp"`
}

func (e *PositionTriggered) IdempotencyKey() string     { return e.EventID.String() }
func (e *PositionTriggered) EventType() EventType       { return EventTypePositionTriggered }
func (e *PositionTriggered) CustodyKey() *ledger.Pubkey { return &e.Custody }
func (e *PositionTriggered) OccurredAt() int64          { return e.Timestamp }

// PositionLimitsUpdated records the owner replacing stop-loss and take-profit.
// Nil means unset.
type PositionLimitsUpdated struct {
	EventID    uuid.UUID     `json:"event_id"`
	Position   ledger.Pubkey `json:"position"`
	Owner      ledger.Pubkey `json:"owner"`
	Custody    ledger.Pubkey `json:"custody"`
	StopLoss   *uint64       `json:"stop_loss"`
	TakeProfit *uint64       `json:"take_profit"`
	Timestamp  int64         `json:"timestamp"`
}

func (e *PositionLimitsUpdated) IdempotencyKey() string     { return e.EventID.String() }
func (e *PositionLimitsUpdated) EventType() EventType       { return EventTypePositionLimitsUpdated }
func (e *PositionLimitsUpdated) CustodyKey() *ledger.Pubkey { return &e.Custody }
func (e *PositionLimitsUpdated) OccurredAt() int64          { return e.Timestamp }

// PositionUpgraded marks a record rewritten from the deprecated layout.
type PositionUpgraded struct {
	EventID     uuid.UUID     `json:"event_id"`
	Position    ledger.Pubkey `json:"position"`
	Custody     ledger.Pubkey `json:"custody"`
	Admin       string        `json:"admin"`
	Fingerprint string        `json:"fingerprint"`
	OldLen      int           `json:"old_len"`
	NewLen      int           `json:"new_len"`
	Timestamp   int64         `json:"timestamp"`
}

func (e *PositionUpgraded) IdempotencyKey() string     { return e.EventID.String() }
func (e *PositionUpgraded) EventType() EventType       { return EventTypePositionUpgraded }
func (e *PositionUpgraded) CustodyKey() *ledger.Pubkey { return &e.Custody }
func (e *PositionUpgraded) OccurredAt() int64          { return e.Timestamp }
