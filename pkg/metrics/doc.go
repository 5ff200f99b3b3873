/*
Package metrics provides Prometheus instrumentation and health reporting.

Collectors cover the three concerns with real runtime behavior: the
container population (by status, plus create/expiry/vanish counters and
quota rejections), interactive sessions (active gauges, eviction
counter), and the reconciliation loop (cycle counter, duration
histogram, per-record error counter). All collectors are registered at
package init; Handler exposes them for scraping.

The Timer helper wraps duration measurement:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

Component health (docker daemon, store, reconciler) is tracked in a
process-wide registry; HealthHandler, ReadyHandler and LivenessHandler
serve the usual /healthz-style endpoints next to /metrics.
*/
package metrics
