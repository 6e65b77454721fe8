/*
Package metrics exposes Prometheus collectors for the API's
desired-state store and the node-side reconcile/dataplane/storage-engine
loops, plus small process-health helpers (HealthChecker, Handler).

Collector samples the manager's Store on a 15s tick and publishes gauges
for Node/VM/NIC/Network/Volume/Template counts and Raft leadership/log
position. Reconcile, scheduler, dataplane, and storage-engine packages
record their own histograms/counters directly (ReconcileDuration,
SchedulingLatency, PacketsRoutedTotal, ImportBytesWrittenTotal, ...)
using the same Timer helper Collector's sampling loop does not need.

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.SchedulingLatency)

Handler returns the promhttp handler mounted at /metrics by
pkg/api.HealthServer.
*/
package metrics
