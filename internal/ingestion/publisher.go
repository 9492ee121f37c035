package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventsStreamName    = "PERP_SETTLEMENT_EVENTS"
	EventsSubjectPrefix = "perp.settlement.events."
)

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed settlement events to NATS for
// downstream consumers. Subjects follow perp.settlement.events.{event_type}.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Custody        *ledger.Pubkey  `json:"custody,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is done or the input closes. Failures are logged
// and counted; consumers can always catch up from the event log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			result := "ok"
			if err := op.publish(ctx, out); err != nil {
				result = "error"
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.EventsPublished.WithLabelValues(out.Envelope.EventType.Subject(), result).Inc()
			}
		}
	}
}

// EventSubject is the subject an event of this type is published on.
func EventSubject(out core.CoreOutput) string {
	return EventsSubjectPrefix + out.Envelope.EventType.Subject()
}

// NewPublishedEvent converts an engine output into the wire format.
func NewPublishedEvent(out core.CoreOutput) PublishedEvent {
	env := out.Envelope
	return PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Custody:        env.Custody,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	data, err := json.Marshal(NewPublishedEvent(out))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The idempotency key doubles as the JetStream message id, so a
	// republish inside the stream's duplicate window is dropped server-side.
	_, err = op.js.Publish(ctx, EventSubject(out), data, jetstream.WithMsgID(out.Envelope.IdempotencyKey))
	return err
}
