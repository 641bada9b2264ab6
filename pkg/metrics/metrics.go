// Package metrics exposes the daemon's Prometheus instrumentation:
// cluster shape, Raft consensus, keepalive/fencing, placement, VM
// lifecycle, and control-plane request gauges, counters, and
// histograms, plus the /healthz component registry.
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
			Name: "pvc_nodes_total",
			Help: "Total number of nodes by role and daemon state",
		},
		[]string{"role", "state"},
	)

	NodeHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvc_node_health",
			Help: "Per-node health score (100 minus accumulated plugin delta)",
		},
		[]string{"node"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvc_domains_total",
			Help: "Total number of VM domains by state",
		},
		[]string{"state"},
	)

	NetworksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_networks_total",
			Help: "Total number of virtual networks",
		},
	)

	StorageVolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_storage_volumes_total",
			Help: "Total number of storage volumes",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_raft_is_leader",
			Help: "Whether this node holds Raft leadership, i.e. is a primary-coordinator candidate (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_raft_peers_total",
			Help: "Total number of Raft voters in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvc_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Keepalive / fencing metrics
	KeepaliveTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_keepalive_tick_duration_seconds",
			Help:    "Time taken to process one keepalive tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	KeepaliveLateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pvc_keepalive_late_total",
			Help: "Total number of keepalive ticks that ran later than their scheduled interval",
		},
	)

	NodesFencedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_nodes_fenced_total",
			Help: "Total number of fence operations by outcome",
		},
		[]string{"outcome"},
	)

	SuicidesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pvc_suicides_total",
			Help: "Total number of times this node self-fenced after losing quorum contact",
		},
	)

	// Placement metrics
	PlacementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_placement_duration_seconds",
			Help:    "Time taken to select a placement target for a domain",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_placement_failures_total",
			Help: "Total number of placement attempts that found no eligible target",
		},
		[]string{"selector"},
	)

	// VM lifecycle metrics
	VMStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_domain_start_duration_seconds",
			Help:    "Time taken to start a VM domain in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMMigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvc_domain_migration_duration_seconds",
			Help:    "Time taken to migrate a VM domain in seconds, by method",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"method"},
	)

	VMFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvc_node_flush_duration_seconds",
			Help:    "Time taken to flush all domains off a node",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Task inbox metrics
	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_tasks_claimed_total",
			Help: "Total number of tasks claimed by op",
		},
		[]string{"op"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_tasks_failed_total",
			Help: "Total number of tasks that ended in failed state",
		},
		[]string{"op"},
	)

	// Control-plane API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvc_api_requests_total",
			Help: "Total number of control-plane API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvc_api_request_duration_seconds",
			Help:    "Control-plane API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		NodeHealth,
		VMsTotal,
		NetworksTotal,
		StorageVolumesTotal,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		KeepaliveTickDuration,
		KeepaliveLateTotal,
		NodesFencedTotal,
		SuicidesTotal,
		PlacementDuration,
		PlacementFailuresTotal,
		VMStartDuration,
		VMMigrationDuration,
		VMFlushDuration,
		TasksClaimedTotal,
		TasksFailedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
