package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and histograms, partitioned by chain.

var (
	// Ingester
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "ingester",
		Name:      "events_applied_total",
		Help:      "Total events applied to the database",
	}, []string{"chain", "kind"})

	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "ingester",
		Name:      "events_duplicate_total",
		Help:      "Total redelivered events resolved as no-ops by natural key",
	}, []string{"chain", "kind"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "ingester",
		Name:      "events_rejected_total",
		Help:      "Total events rejected as sequencing or validation errors",
	}, []string{"chain", "kind", "reason"})

	IngesterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "ingester",
		Name:      "errors_total",
		Help:      "Total ingester errors after retry exhaustion",
	}, []string{"chain"})

	IngesterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "auction",
		Subsystem: "ingester",
		Name:      "event_duration_seconds",
		Help:      "Event unit-of-work duration (DB transaction)",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"chain", "kind"})

	// Reorg handling
	ReorgDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "reorg",
		Name:      "detected_total",
		Help:      "Total parent-hash continuity breaks detected",
	}, []string{"chain"})

	ReorgRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "reorg",
		Name:      "rollbacks_total",
		Help:      "Total reorg rollbacks executed",
	}, []string{"chain"})

	ReorgTakesRetracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "reorg",
		Name:      "takes_retracted_total",
		Help:      "Total provisional takes retracted by reorg rollbacks",
	}, []string{"chain"})

	ReorgRoundsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "reorg",
		Name:      "rounds_deleted_total",
		Help:      "Total rounds deleted by reorg rollbacks",
	}, []string{"chain"})

	ReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "auction",
		Subsystem: "reorg",
		Name:      "depth_blocks",
		Help:      "Blocks rolled back per reorg",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
	}, []string{"chain"})

	// Finality
	BlocksFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "finalizer",
		Name:      "blocks_finalized_total",
		Help:      "Total blocks promoted to finalized",
	}, []string{"chain"})

	TakesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "finalizer",
		Name:      "takes_finalized_total",
		Help:      "Total takes marked irreversible",
	}, []string{"chain"})

	RoundsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "finalizer",
		Name:      "rounds_expired_total",
		Help:      "Total rounds persisted as expired by the sweep",
	}, []string{"chain"})

	// Cursor watermark
	CursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "auction",
		Subsystem: "cursor",
		Name:      "last_confirmed_block",
		Help:      "Last durably committed block per chain",
	}, []string{"chain"})

	// Query cache
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "query",
		Name:      "cache_hits_total",
		Help:      "Total summary cache hits",
	}, []string{"kind"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "query",
		Name:      "cache_misses_total",
		Help:      "Total summary cache misses",
	}, []string{"kind"})

	QueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "auction",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Read-path query duration",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent per channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
