package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpCustody/internal/observability"
	"PerpCustody/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OracleStreamName   = "PERP_ORACLE"
	OracleConsumerName = "custody-oracle"
)

// Feed handling outcomes, also used as metric labels.
const (
	ResultAccepted  = "accepted"
	ResultGap       = "gap"
	ResultStale     = "stale"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// FeedSubscriber consumes oracle updates from JetStream and writes the
// accepted ones to a feed store the engine reads prices from.
type FeedSubscriber struct {
	js        jetstream.JetStream
	store     oracle.FeedStore
	dedup     *Deduplicator
	sequencer *FeedSequencer
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
	now       func() time.Time
}

func NewFeedSubscriber(js jetstream.JetStream, store oracle.FeedStore, dedupCapacity int, metrics *observability.Metrics) *FeedSubscriber {
	return &FeedSubscriber{
		js:        js,
		store:     store,
		dedup:     NewDeduplicator(dedupCapacity),
		sequencer: NewFeedSequencer(),
		metrics:   metrics,
		logger:    observability.NewLogger("oracle-subscriber"),
		now:       time.Now,
	}
}

// Handle applies one message. An error means the message should be
// redelivered; invalid payloads are dropped with a nil error.
func (fs *FeedSubscriber) Handle(ctx context.Context, subject string, data []byte) (string, error) {
	update, err := ParseFeedUpdate(subject, data)
	if err != nil {
		fs.logger.Warn().Err(err).Str("subject", subject).Msg("dropping invalid feed")
		fs.observe(ResultInvalid)
		return ResultInvalid, nil
	}

	if fs.dedup.Seen(update.DedupKey()) {
		fs.observe(ResultDuplicate)
		return ResultDuplicate, nil
	}

	verdict := fs.sequencer.Observe(update)
	if verdict == VerdictStale {
		fs.observe(ResultStale)
		return ResultStale, nil
	}

	if err := fs.store.PutFeed(ctx, update.Account, update.Feed); err != nil {
		fs.observe(ResultError)
		return ResultError, fmt.Errorf("store feed %s: %w", update.Account, err)
	}

	result := ResultAccepted
	if verdict == VerdictAcceptGap {
		result = ResultGap
		fs.logger.Warn().
			Str("account", update.Account.String()).
			Int64("sequence", update.Sequence).
			Msg("oracle sequence gap")
	}
	fs.observe(result)
	if fs.metrics != nil {
		lag := fs.now().Sub(time.Unix(update.Feed.PublishTime, 0)).Seconds()
		fs.metrics.OracleFeedLag.Observe(lag)
	}
	return result, nil
}

func (fs *FeedSubscriber) observe(result string) {
	if fs.metrics != nil {
		fs.metrics.OracleFeedUpdates.WithLabelValues(result).Inc()
	}
}

// Subscribe creates the durable consumer. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s.
func (fs *FeedSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := fs.js.CreateOrUpdateConsumer(ctx, OracleStreamName, jetstream.ConsumerConfig{
		Durable:       OracleConsumerName,
		FilterSubject: OracleSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", OracleConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if _, err := fs.Handle(ctx, msg.Subject(), msg.Data()); err != nil {
			fs.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("feed not stored")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", OracleConsumerName, err)
	}
	fs.consumer = cc
	fs.logger.Info().Str("subject", OracleSubjectPrefix+">").Msg("subscribed to oracle feeds")
	return nil
}

func (fs *FeedSubscriber) Stop() {
	if fs.consumer != nil {
		fs.consumer.Stop()
	}
	fs.logger.Info().Msg("oracle subscriber stopped")
}

// EnsureStreams creates the oracle and outbound event streams if they do not
// exist. Streams use FileStorage, retention=Limits.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              OracleStreamName,
			Subjects:          []string{OracleSubjectPrefix + ">"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 16,
			MaxAge:            time.Hour,
			Replicas:          1,
		},
		{
			Name:       EventsStreamName,
			Subjects:   []string{EventsSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpcustody"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// IsConnected reports whether nc is usable. Readiness checks call it.
func IsConnected(nc *nats.Conn) error {
	if nc == nil || !nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}
