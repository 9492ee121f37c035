package event

import (
	"PerpCustody/internal/ledger"

	"github.com/google/uuid"
)

// MultisigSigned records an admin approval that did not yet reach quorum.
type MultisigSigned struct {
	EventID     uuid.UUID `json:"event_id"`
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Signer      string    `json:"signer"`
	Remaining   uint8     `json:"remaining"`
	Timestamp   int64     `json:"timestamp"`
}

func (e *MultisigSigned) IdempotencyKey() string     { return e.EventID.String() }
func (e *MultisigSigned) EventType() EventType       { return EventTypeMultisigSigned }
func (e *MultisigSigned) CustodyKey() *ledger.Pubkey { return nil }
func (e *MultisigSigned) OccurredAt() int64          { return e.Timestamp }

// PermissionsUpdated records new close/open flags. Custody is nil when only
// the global flags changed.
type PermissionsUpdated struct {
	EventID            uuid.UUID      `json:"event_id"`
	Custody            *ledger.Pubkey `json:"custody,omitempty"`
	AllowOpenPosition  bool           `json:"allow_open_position"`
	AllowClosePosition bool           `json:"allow_close_position"`
	Timestamp          int64          `json:"timestamp"`
}

func (e *PermissionsUpdated) IdempotencyKey() string     { return e.EventID.String() }
func (e *PermissionsUpdated) EventType() EventType       { return EventTypePermissionsUpdated }
func (e *PermissionsUpdated) CustodyKey() *ledger.Pubkey { return e.Custody }
func (e *PermissionsUpdated) OccurredAt() int64          { return e.Timestamp }

type AdminSignersUpdated struct {
	EventID       uuid.UUID `json:"event_id"`
	Signers       []string  `json:"signers"`
	MinSignatures uint8     `json:"min_signatures"`
	Timestamp     int64     `json:"timestamp"`
}

func (e *AdminSignersUpdated) IdempotencyKey() string     { return e.EventID.String() }
func (e *AdminSignersUpdated) EventType() EventType       { return EventTypeAdminSignersUpdated }
func (e *AdminSignersUpdated) CustodyKey() *ledger.Pubkey { return nil }
func (e *AdminSignersUpdated) OccurredAt() int64          { return e.Timestamp }
