package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the clearing daemon.
type Metrics struct {
	// --- Core ---
	CoreCallsApplied  *prometheus.CounterVec
	CoreCallsRejected *prometheus.CounterVec
	CoreCallDuration  *prometheus.HistogramVec
	CoreJournals      *prometheus.CounterVec
	CoreEvents        *prometheus.CounterVec
	CoreSequence      prometheus.Gauge

	// --- Liquidation & insurance ---
	Liquidations        *prometheus.CounterVec
	BadDebtTotal        prometheus.Counter
	InsuranceFundValue  prometheus.Gauge
	TokensAutoMinted    *prometheus.CounterVec
	TickGuardRejections *prometheus.CounterVec

	// --- Channels ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	PublishDrops    prometheus.Counter

	// --- Ingestion ---
	IngestCommands   *prometheus.CounterVec
	IngestDuplicates prometheus.Counter
	IngestToApply    *prometheus.HistogramVec
	PublishedEvents  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdates      *prometheus.CounterVec
	SnapshotTaken          prometheus.Counter
	SnapshotLastSeq        prometheus.Gauge

	// --- Query API ---
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryCacheHits *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core
		CoreCallsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_calls_applied_total",
			Help: "Calls committed by the clearing house",
		}, []string{"op"}),

		CoreCallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_calls_rejected_total",
			Help: "Calls aborted, by error kind",
		}, []string{"op", "kind"}),

		CoreCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_clearing_call_duration_seconds",
			Help:    "Time to run a call through the pipeline",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_journals_generated_total",
			Help: "Collateral journal entries generated",
		}, []string{"journal_type"}),

		CoreEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_events_emitted_total",
			Help: "Clearing events emitted",
		}, []string{"event_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_clearing_sequence",
			Help: "Current global sequence number",
		}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_liquidations_total",
			Help: "Liquidations by outcome (partial, full, bad_debt)",
		}, []string{"market", "outcome"}),

		BadDebtTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_clearing_bad_debt_total",
			Help: "Bad debt absorbed by the insurance fund, in settlement units",
		}),

		InsuranceFundValue: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_clearing_insurance_fund_value",
			Help: "Insurance fund account value, in settlement units",
		}),

		TokensAutoMinted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_tokens_auto_minted_total",
			Help: "Auto-mint operations by token",
		}, []string{"token"}),

		TickGuardRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_tick_guard_rejections_total",
			Help: "Trades rejected by the per-block price impact guard",
		}, []string{"market"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_clearing_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_clearing_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_clearing_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		// Ingestion
		IngestCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_ingest_commands_total",
			Help: "Commands received, by op and result",
		}, []string{"op", "result"}),

		IngestDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_clearing_ingest_duplicates_total",
			Help: "Commands dropped as duplicates",
		}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_clearing_ingest_to_apply_seconds",
			Help:    "NATS receive to core commit",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_published_events_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_clearing_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_clearing_persist_journals_written_total",
			Help: "Journals written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_clearing_persist_batch_size",
			Help:    "Envelopes per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_clearing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_clearing_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_projection_updates_total",
			Help: "Projection rows written",
		}, []string{"table"}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_clearing_snapshots_total",
			Help: "Snapshots written",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_clearing_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_clearing_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_clearing_query_cache_total",
			Help: "Account view cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
