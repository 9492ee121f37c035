package event

import (
	"encoding/json"
	"fmt"
	"time"

	"PerpCustody/internal/ledger"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionTriggered
	EventTypePositionLimitsUpdated
	EventTypePositionUpgraded
	EventTypeMultisigSigned
	EventTypePermissionsUpdated
	EventTypeAdminSignersUpdated
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key
	IdempotencyKey string

	EventType EventType

	// Custody context (nil for global events)
	Custody *ledger.Pubkey

	// Logical clock reading when the operation committed
	Timestamp time.Time

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 chain over committed operations
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	// CustodyKey returns the custody context (nil for global events)
	CustodyKey() *ledger.Pubkey
	OccurredAt() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionTriggered:
		return "PositionTriggered"
	case EventTypePositionLimitsUpdated:
		return "PositionLimitsUpdated"
	case EventTypePositionUpgraded:
		return "PositionUpgraded"
	case EventTypeMultisigSigned:
		return "MultisigSigned"
	case EventTypePermissionsUpdated:
		return "PermissionsUpdated"
	case EventTypeAdminSignersUpdated:
		return "AdminSignersUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypePositionTriggered; et <= EventTypeAdminSignersUpdated; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Subject is the dotted name used in NATS subjects and metric labels.
func (et EventType) Subject() string {
	switch et {
	case EventTypePositionTriggered:
		return "position_triggered"
	case EventTypePositionLimitsUpdated:
		return "position_limits_updated"
	case EventTypePositionUpgraded:
		return "position_upgraded"
	case EventTypeMultisigSigned:
		return "multisig_signed"
	case EventTypePermissionsUpdated:
		return "permissions_updated"
	case EventTypeAdminSignersUpdated:
		return "admin_signers_updated"
	default:
		return "unknown"
	}
}

// Encode serializes an event payload for the envelope.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode restores the payload stored under an envelope of type et.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypePositionTriggered:
		evt = &PositionTriggered{}
	case EventTypePositionLimitsUpdated:
		evt = &PositionLimitsUpdated{}
	case EventTypePositionUpgraded:
		evt = &PositionUpgraded{}
	case EventTypeMultisigSigned:
		evt = &MultisigSigned{}
	case EventTypePermissionsUpdated:
		evt = &PermissionsUpdated{}
	case EventTypeAdminSignersUpdated:
		evt = &AdminSignersUpdated{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// NewEnvelope builds an envelope without sequence or hashes; the core
// assigns those when it commits.
func NewEnvelope(evt Event) (*EventEnvelope, error) {
	payload, err := Encode(evt)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Custody:        evt.CustodyKey(),
		Timestamp:      time.Unix(evt.OccurredAt(), 0).UTC(),
		Payload:        payload,
	}, nil
}
