package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger pipeline.
type Metrics struct {
	// --- Pipeline ---
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	Duplicates     *prometheus.CounterVec
	PnLRecords     prometheus.Counter
	RunDuration    prometheus.Histogram
	RunState       prometheus.Gauge
	Watermark      *prometheus.GaugeVec

	// --- Checkpoint store ---
	CommitDuration prometheus.Histogram
	CommitErrors   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
// Construct once per process; tests pass a nil *Metrics instead.
func NewMetrics() *Metrics {
	runBuckets := []float64{
		0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60,
	}

	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dledger_events_applied_total",
			Help: "Events applied to the position ledger",
		}, []string{"event_type"}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dledger_events_rejected_total",
			Help: "Events skipped with a validation-log reason code",
		}, []string{"reason"}),

		Duplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dledger_duplicates_total",
			Help: "Exact-dedup hits by tier (prior run vs within batch)",
		}, []string{"tier"}),

		PnLRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dledger_pnl_records_total",
			Help: "Realized-PnL records emitted",
		}),

		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dledger_run_duration_seconds",
			Help:    "End-to-end duration of one pipeline run",
			Buckets: runBuckets,
		}),

		RunState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dledger_run_state",
			Help: "Current run state (0=Init .. 5=Failed)",
		}),

		Watermark: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dledger_watermark_sequence",
			Help: "Highest applied sequence per source partition",
		}, []string{"source"}),

		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dledger_commit_duration_seconds",
			Help:    "Duration of the atomic checkpoint commit",
			Buckets: runBuckets,
		}),

		CommitErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dledger_commit_errors_total",
			Help: "Failed checkpoint commits (fatal to the run)",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dledger_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dledger_query_duration_seconds",
			Help:    "Query API request duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"endpoint"}),
	}
}
