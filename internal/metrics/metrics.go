// Package metrics exposes Prometheus collectors for the maintenance engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collection metrics
	CollectionCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermaint_collection_cycles_total",
			Help: "Total number of metrics collection cycles by result",
		},
		[]string{"result"},
	)

	CollectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clustermaint_collection_duration_seconds",
			Help:    "Duration of metrics collection cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	HostsObserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clustermaint_hosts_observed",
			Help: "Hosts recorded in the last collection cycle",
		},
	)

	GuestsObserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermaint_guests_observed",
			Help: "Guests recorded in the last collection cycle by kind",
		},
		[]string{"kind"},
	)

	CollectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermaint_collection_failures_total",
			Help: "Hosts or guests that could not be collected",
		},
		[]string{"kind"},
	)

	ClusterCPUUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clustermaint_cluster_cpu_usage_percent",
			Help: "Cluster CPU usage from the last collection cycle",
		},
	)

	// Drain metrics
	DrainOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermaint_drain_outcomes_total",
			Help: "Guests handled by drain and shutdown calls by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clustermaint_migration_duration_seconds",
			Help:    "Time from migrate call to verified arrival",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Update metrics
	UpdateRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermaint_update_runs_total",
			Help: "Scheduled update executions by final state",
		},
		[]string{"state"},
	)

	NodeUpdatesAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermaint_node_updates_available",
			Help: "Upgradable packages per host from the last check",
		},
		[]string{"host"},
	)

	NodeRebootRequired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clustermaint_node_reboot_required",
			Help: "Whether a host requires a reboot (1 = yes)",
		},
		[]string{"host"},
	)

	// Scheduler metrics
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermaint_job_runs_total",
			Help: "Trigger executions by job and result",
		},
		[]string{"job", "result"},
	)

	JobSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clustermaint_job_skips_total",
			Help: "Trigger firings skipped because a previous run was still active",
		},
		[]string{"job"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clustermaint_is_leader",
			Help: "Whether this instance runs periodic triggers (1 = leader)",
		},
	)
)

func init() {
	prometheus.MustRegister(CollectionCyclesTotal)
	prometheus.MustRegister(CollectionDuration)
	prometheus.MustRegister(HostsObserved)
	prometheus.MustRegister(GuestsObserved)
	prometheus.MustRegister(CollectionFailures)
	prometheus.MustRegister(ClusterCPUUsage)
	prometheus.MustRegister(DrainOutcomesTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(UpdateRunsTotal)
	prometheus.MustRegister(NodeUpdatesAvailable)
	prometheus.MustRegister(NodeRebootRequired)
	prometheus.MustRegister(JobRunsTotal)
	prometheus.MustRegister(JobSkipsTotal)
	prometheus.MustRegister(IsLeader)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds in h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// BoolGauge converts b to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
