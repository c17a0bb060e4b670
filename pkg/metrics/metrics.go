package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildnet_nodes_total",
			Help: "Total number of known nodes by role and status",
		},
		[]string{"role", "status"},
	)

	ArtifactsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildnet_artifacts_total",
			Help: "Total number of stored artifacts by tier",
		},
		[]string{"tier"},
	)

	ArtifactBytesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildnet_artifact_bytes_total",
			Help: "Total bytes stored by tier",
		},
		[]string{"tier"},
	)

	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildnet_builds_total",
			Help: "Total number of build records by status",
		},
		[]string{"status"},
	)

	// Election metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_is_leader",
			Help: "Whether this node currently believes itself to be the Bully-elected coordinator (1 = yes)",
		},
	)

	PeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_peers_total",
			Help: "Total number of peers currently known to the node registry",
		},
	)

	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_elections_total",
			Help: "Total number of Bully elections this node has initiated or participated in",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_scheduling_latency_seconds",
			Help:    "Time taken to select a tier and dispatch one package build",
			Buckets: prometheus.DefBuckets,
		},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildnet_build_duration_seconds",
			Help:    "Time taken to execute a build by tier",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"tier"},
	)

	BuildsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_builds_completed_total",
			Help: "Total number of completed builds by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_lock_contention_total",
			Help: "Total number of AcquireLockAndStartBuild calls that found an existing unexpired lock",
		},
	)

	// Ledger metrics
	LedgerAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_ledger_append_duration_seconds",
			Help:    "Time taken to append and sign one ledger entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_ledger_sync_duration_seconds",
			Help:    "Time taken for one anti-entropy sync round with a peer",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_ledger_entries_total",
			Help: "Total number of entries held in the local ledger store",
		},
	)

	// Artifact tiering metrics
	TieringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_tiering_duration_seconds",
			Help:    "Time taken for one artifact tiering sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReclaimedLocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_reclaimed_locks_total",
			Help: "Total number of expired-lock builds reclaimed by the reconciler",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ArtifactsTotal)
	prometheus.MustRegister(ArtifactBytesTotal)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(ElectionsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(BuildsCompleted)
	prometheus.MustRegister(LockContentionTotal)
	prometheus.MustRegister(LedgerAppendDuration)
	prometheus.MustRegister(LedgerSyncDuration)
	prometheus.MustRegister(LedgerEntriesTotal)
	prometheus.MustRegister(TieringDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReclaimedLocksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
