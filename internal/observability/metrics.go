package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarginLedger.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	Journals         *prometheus.CounterVec
	StateHashDur     prometheus.Histogram
	Sequence         prometheus.Gauge

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	SequenceGap           *prometheus.CounterVec
	OutOfOrder            *prometheus.CounterVec

	// --- Ledger ---
	Vault            prometheus.Gauge
	InsuranceFund    prometheus.Gauge
	UncoveredBadDebt prometheus.Gauge
	HaircutIndex     prometheus.Gauge
	Socialized       prometheus.Counter
	SocializeResidue prometheus.Counter

	// --- Withdrawals ---
	WithdrawImmediate  prometheus.Counter
	WithdrawQueued     prometheus.Counter
	PendingWithdrawals prometheus.Gauge

	// --- Liquidation ---
	LiquidationTriggered *prometheus.CounterVec
	LiquidationSplits    *prometheus.CounterVec
	LiquidationBadDebt   prometheus.Counter
	InsurancePayouts     prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestToApply  *prometheus.HistogramVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistRecordsWritten  prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Keeper ---
	KeeperQueueSize   prometheus.Gauge
	KeeperCandidates  *prometheus.CounterVec
	KeeperSubmissions *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, gap, validation, auth)",
		}, []string{"command", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_core_sequence",
			Help: "Current global sequence number",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		SequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_command_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		OutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_command_out_of_order_total",
			Help: "Out-of-order commands rejected",
		}, []string{"partition"}),

		// Ledger
		Vault: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_ledger_vault",
			Help: "Aggregate custody balance",
		}),

		InsuranceFund: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_insurance_fund_balance",
			Help: "Insurance fund balance",
		}),

		UncoveredBadDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_insurance_uncovered_bad_debt",
			Help: "Bad debt the insurance fund could not cover",
		}),

		HaircutIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_haircut_pnl_index",
			Help: "Global PnL haircut index (1e9 = no haircut)",
		}),

		Socialized: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_socialized_total",
			Help: "Losses collected from winners",
		}),

		SocializeResidue: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_socialize_residual_total",
			Help: "Deficit left unsocialized",
		}),

		// Withdrawals
		WithdrawImmediate: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_withdraw_immediate_total",
			Help: "Amount paid out immediately by the rate limiter",
		}),

		WithdrawQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_withdraw_queued_total",
			Help: "Amount queued by the rate limiter",
		}),

		PendingWithdrawals: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_withdraw_pending",
			Help: "Queued withdrawal requests",
		}),

		// Liquidation
		LiquidationTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_triggered_total",
			Help: "Liquidations started",
		}, []string{"mode"}),

		LiquidationSplits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_splits_total",
			Help: "Liquidation orders by outcome",
		}, []string{"outcome"}),

		LiquidationBadDebt: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_liquidation_bad_debt_total",
			Help: "Bad debt surfaced by liquidation",
		}),

		InsurancePayouts: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_insurance_payouts_total",
			Help: "Insurance fund payouts",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ingest_messages_total",
			Help: "Inbound command messages by result",
		}, []string{"result"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"command"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_events_written_total",
			Help: "Commands written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_records_written_total",
			Help: "Fixed-size state records committed",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Keeper
		KeeperQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_keeper_queue_size",
			Help: "Accounts in the keeper health queue",
		}),

		KeeperCandidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_keeper_candidates_total",
			Help: "Liquidation candidates selected",
		}, []string{"mode"}),

		KeeperSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_keeper_submissions_total",
			Help: "Liquidation submissions by result",
		}, []string{"result"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
