package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpCustody.
type Metrics struct {
	// --- Core ---
	CoreOpsApplied    *prometheus.CounterVec
	CoreOpsRejected   *prometheus.CounterVec
	CoreOpDuration    *prometheus.HistogramVec
	CoreJournals      *prometheus.CounterVec
	CoreSequence      prometheus.Gauge
	LimitsTriggered   *prometheus.CounterVec
	SettledTokens     *prometheus.CounterVec
	MultisigApprovals *prometheus.CounterVec
	PositionsUpgraded prometheus.Counter

	// --- Oracle ---
	OracleReads       *prometheus.CounterVec
	OracleFeedUpdates *prometheus.CounterVec
	OracleFeedLag     prometheus.Histogram

	// --- Keeper ---
	KeeperRounds    prometheus.Counter
	KeeperPositions *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter
	EventsPublished     *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// --- Settlement RPC ---
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.25,
	}

	return &Metrics{
		// Core
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_ops_applied_total",
			Help: "Operations committed by core",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_ops_rejected_total",
			Help: "Operations aborted without state change",
		}, []string{"op", "class", "reason"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_op_duration_seconds",
			Help:    "Time to execute a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Token transfer journals generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Current global sequence number",
		}),

		LimitsTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_limits_triggered_total",
			Help: "Positions closed by a limit",
		}, []string{"limit", "side"}),

		SettledTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settled_tokens_total",
			Help: "Native token units settled on trigger",
		}, []string{"kind"}),

		MultisigApprovals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_multisig_approvals_total",
			Help: "Admin approvals recorded",
		}, []string{"kind", "state"}),

		PositionsUpgraded: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_positions_upgraded_total",
			Help: "Position records rewritten from the deprecated layout",
		}),

		// Oracle
		OracleReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_reads_total",
			Help: "Oracle price reads by outcome",
		}, []string{"price", "result"}),

		OracleFeedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_feed_updates_total",
			Help: "Feed messages received over NATS",
		}, []string{"result"}),

		OracleFeedLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_oracle_feed_lag_seconds",
			Help:    "Receive time minus feed publish time",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		// Keeper
		KeeperRounds: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_keeper_rounds_total",
			Help: "Keeper scan rounds",
		}),

		KeeperPositions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_positions_total",
			Help: "Positions visited by the keeper by outcome",
		}, []string{"result"}),

		// Channels
		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Events dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times core blocked on a full persist channel",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_events_published_total",
			Help: "Settlement events published to NATS",
		}, []string{"event_type", "result"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Event log rows written",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence flush",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Accounts snapshots written",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Size of the last accounts snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of the last accounts snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "API requests by method and status code",
		}, []string{"method", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),

		// Settlement RPC
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_rpc_requests_total",
			Help: "gRPC and gateway calls by method and status code",
		}, []string{"method", "code"}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_rpc_duration_seconds",
			Help:    "gRPC call latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
	}
}
