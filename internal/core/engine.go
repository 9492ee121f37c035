package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/event"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/oracle"

	"github.com/rs/zerolog"
)

// CoreOutput is what the engine emits for every committed operation.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// Locker serializes work on a key across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Engine executes settlement and governance operations against the accounts
// store. Each operation is one unit of work: it either commits and emits a
// CoreOutput or leaves the store untouched.
type Engine struct {
	program ledger.Pubkey
	db      *AccountsDB
	feeds   oracle.FeedSource
	locker  Locker
	metrics *observability.Metrics
	logger  zerolog.Logger

	// sequence and hasher are only touched inside commit hooks.
	sequence     int64
	lastSequence atomic.Int64
	hasher       *StateHasher

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithHasher resumes the hash chain, e.g. after recovery.
func WithHasher(h *StateHasher) Option { return func(e *Engine) { e.hasher = h } }

// WithPublishChan adds a lossy output stream for outbound events.
func WithPublishChan(ch chan<- CoreOutput) Option { return func(e *Engine) { e.publishChan = ch } }

func NewEngine(
	db *AccountsDB,
	feeds oracle.FeedSource,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	opts ...Option,
) *Engine {
	e := &Engine{
		program:        db.Program(),
		db:             db,
		feeds:          feeds,
		logger:         zerolog.Nop(),
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	e.lastSequence.Store(startSequence - 1)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) DB() *AccountsDB { return e.db }

func (e *Engine) Program() ledger.Pubkey { return e.program }

// LastSequence is the sequence of the most recent committed operation.
func (e *Engine) LastSequence() int64 { return e.lastSequence.Load() }

// Snapshot copies the store between commits, tagged with the last sequence
// and chain tip it includes.
func (e *Engine) Snapshot() *AccountsSnapshot {
	var snap *AccountsSnapshot
	e.db.Serialize(func() {
		snap = e.db.Snapshot()
		snap.Sequence = e.sequence - 1
		snap.StateHash = e.hasher.GetPrevHash()
	})
	return snap
}

func (e *Engine) perpetualsKey() ledger.Pubkey { return ledger.PerpetualsAddress(e.program) }

func (e *Engine) multisigKey() ledger.Pubkey { return ledger.MultisigAddress(e.program) }

func (e *Engine) transferAuthority() ledger.Pubkey { return ledger.TransferAuthorityAddress(e.program) }

// execute is the common pipeline: optional cross-process lock, unit of work,
// then sequencing, hashing and emission while the commit is still ordered.
func (e *Engine) execute(
	ctx context.Context,
	op string,
	lockKey *ledger.Pubkey,
	keys []ledger.Pubkey,
	fn func(tx *Tx) (event.Event, error),
) (int64, error) {
	start := time.Now()

	if e.locker != nil && lockKey != nil {
		unlock, err := e.locker.Lock(ctx, "custody:"+lockKey.String())
		if err != nil {
			e.reject(op, err)
			return 0, fmt.Errorf("acquire custody lock: %w", err)
		}
		defer unlock()
	}

	var (
		evt event.Event
		seq int64 = -1
	)
	_, err := e.db.ExecuteThen(ctx, keys, func(tx *Tx) error {
		var err error
		evt, err = fn(tx)
		return err
	}, func(ch *Changes) {
		if evt != nil {
			seq = e.emit(evt, ch)
		}
	})
	if err != nil {
		e.reject(op, err)
		return 0, err
	}

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return seq, nil
}

func (e *Engine) reject(op string, err error) {
	if e.metrics != nil {
		e.metrics.CoreOpsRejected.WithLabelValues(op, errs.Classify(err).String(), errs.Label(err)).Inc()
	}
	level := zerolog.WarnLevel
	if errors.Is(err, errs.ErrLimitNotTriggered) || errors.Is(err, errs.ErrStaleOrInvalidPrice) {
		level = zerolog.DebugLevel
	}
	e.logger.WithLevel(level).Err(err).Str("op", op).Msg("operation rejected")
}

// emit assigns the next sequence, extends the hash chain and fans the output
// out. Runs inside the commit hook, so outputs leave in commit order.
func (e *Engine) emit(evt event.Event, ch *Changes) int64 {
	env, err := event.NewEnvelope(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}

	seq := e.sequence
	env.Sequence = seq
	env.PrevHash = e.hasher.GetPrevHash()
	env.StateHash = e.hasher.ComputeHash(seq, ch.Digest)

	if ch.Batch != nil {
		ch.Batch.SetSequence(seq)
		ch.Batch.SetEventRef(env.IdempotencyKey)
		if e.metrics != nil {
			for _, j := range ch.Batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	output := CoreOutput{Envelope: env, Batch: ch.Batch, StateDelta: ch.Encoded}
	e.sequence++
	e.lastSequence.Store(seq)

	// Persistence: blocking send. The core stalls until the worker drains so
	// no committed operation is lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Projections and publishing: drop on full. Both can rebuild from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(seq))
	}
	return seq
}

// readPrices performs the two oracle reads of a settlement: spot, then the
// price selected by the custody's EMA setting.
func (e *Engine) readPrices(ctx context.Context, p oracle.Params, useEMA bool, now int64) (spot, ema oracle.OraclePrice, err error) {
	spot, err = oracle.Read(ctx, e.feeds, p, now, false)
	e.observeRead("spot", err)
	if err != nil {
		return spot, ema, err
	}
	ema, err = oracle.Read(ctx, e.feeds, p, now, useEMA)
	e.observeRead("ema", err)
	return spot, ema, err
}

func (e *Engine) observeRead(price string, err error) {
	if e.metrics != nil {
		e.metrics.OracleReads.WithLabelValues(price, errs.Label(err)).Inc()
	}
}
