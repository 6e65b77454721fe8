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
			Name: "warren_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	NICsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_nics_total",
			Help: "Total number of NICs",
		},
	)

	NetworksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_networks_total",
			Help: "Total number of networks",
		},
	)

	VolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_volumes_total",
			Help: "Total number of volumes",
		},
	)

	TemplatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_templates_total",
			Help: "Total number of templates",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RevisionApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_revision_applied",
			Help: "Current desired-state revision counter",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_scheduling_latency_seconds",
			Help:    "Time taken to select a node for a pending VM",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_vms_scheduled_total",
			Help: "Total number of VMs scheduled",
		},
	)

	VMsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_vms_failed_total",
			Help: "Total number of VMs that transitioned to Failed",
		},
	)

	// Raft operation metrics
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_reconcile_duration_seconds",
			Help:    "Time taken for one reconcile pass, per resource kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_reconcile_cycles_total",
			Help: "Total number of reconcile cycles completed, per resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Dataplane metrics
	PacketsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_packets_routed_total",
			Help: "Total number of packets routed, per network",
		},
		[]string{"network_id"},
	)

	PacketsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_packets_dropped_total",
			Help: "Total number of packets dropped, per reason",
		},
		[]string{"reason"},
	)

	BufferPoolOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_buffer_pool_occupancy",
			Help: "Number of buffers currently checked out of the reactor's pool",
		},
	)

	// Storage engine metrics
	ImportJobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_import_jobs_total",
			Help: "Total number of template import jobs by state",
		},
		[]string{"state"},
	)

	ImportBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_import_bytes_written_total",
			Help: "Total number of bytes written by the template import pipeline",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(NICsTotal)
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(TemplatesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RevisionApplied)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(VMsScheduled)
	prometheus.MustRegister(VMsFailed)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(PacketsRoutedTotal)
	prometheus.MustRegister(PacketsDroppedTotal)
	prometheus.MustRegister(BufferPoolOccupancy)
	prometheus.MustRegister(ImportJobsTotal)
	prometheus.MustRegister(ImportBytesWrittenTotal)
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
