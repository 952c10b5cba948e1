package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	// --- Core ---
	OpsApplied      *prometheus.CounterVec
	OpsRejected     *prometheus.CounterVec
	OpDuration      *prometheus.HistogramVec
	CoreJournals    *prometheus.CounterVec
	CoreSequence    *prometheus.GaugeVec
	EngineHeld      *prometheus.GaugeVec
	GlobalRatio     *prometheus.GaugeVec
	OpenPositions   *prometheus.GaugeVec
	OracleRequests  *prometheus.CounterVec
	OracleDeferrals *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationsCreated  *prometheus.CounterVec
	LiquidationsResolved *prometheus.CounterVec
	OpenLiquidations     *prometheus.GaugeVec

	// --- Channels ---
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Persistence ---
	PersistEnvelopesWritten prometheus.Counter
	PersistJournalsWritten  prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistBatchDur         prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     *prometheus.GaugeVec

	// --- API ---
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited prometheus.Counter
}

// NewMetrics creates all metrics on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_core_ops_applied_total",
			Help: "Operations accepted by the engine",
		}, []string{"instance", "op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_core_ops_rejected_total",
			Help: "Operations rejected by the engine, by error kind",
		}, []string{"instance", "op", "kind"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_core_op_duration_seconds",
			Help:    "Time to apply one operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_core_sequence",
			Help: "Last applied sequence",
		}, []string{"instance"}),

		EngineHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_engine_collateral_held",
			Help: "Collateral custodied by the engine, by account kind",
		}, []string{"instance", "account"}),

		GlobalRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_global_collateralization_ratio",
			Help: "Total collateral per outstanding token",
		}, []string{"instance"}),

		OpenPositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_open_positions",
			Help: "Sponsor positions holding collateral or debt",
		}, []string{"instance"}),

		OracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_oracle_requests_total",
			Help: "Price requests sent to the oracle",
		}, []string{"instance", "purpose"}),

		OracleDeferrals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_oracle_deferrals_total",
			Help: "Operations deferred because a price was pending",
		}, []string{"instance", "op"}),

		LiquidationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_liquidations_created_total",
			Help: "Liquidation records created",
		}, []string{"instance"}),

		LiquidationsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_liquidations_resolved_total",
			Help: "Liquidations reaching a terminal state",
		}, []string{"instance", "status"}),

		OpenLiquidations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_liquidations_open",
			Help: "Liquidation records not yet fully withdrawn",
		}, []string{"instance"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_publish_drops_total",
			Help: "Outbound envelopes dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_backpressure_total",
			Help: "Times the engine waited on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_idempotency_duplicates_total",
			Help: "Duplicate commands dropped, by lookup tier",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "synth_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_dedup_lru_evictions_total",
			Help: "Idempotency keys evicted from memory",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_dedup_tier2_errors_total",
			Help: "Failed Postgres idempotency lookups",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_ingest_messages_total",
			Help: "Inbound NATS messages, by subject kind and outcome",
		}, []string{"kind", "outcome"}),

		PersistEnvelopesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_envelopes_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_journals_written_total",
			Help: "Journal rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_size",
			Help:    "Envelopes per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_persist_last_sequence",
			Help: "Last sequence durably written",
		}, []string{"instance"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_api_requests_total",
			Help: "API requests by transport, method and status",
		}, []string{"transport", "method", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_api_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "method"}),

		APIRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "synth_api_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
	}
}
