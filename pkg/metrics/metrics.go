package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandbay_containers_total",
			Help: "Number of tracked containers by status",
		},
		[]string{"status"},
	)

	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_containers_created_total",
			Help: "Total number of containers created",
		},
	)

	ContainerCreatesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_container_creates_failed_total",
			Help: "Total number of failed container creations",
		},
	)

	ContainersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_containers_expired_total",
			Help: "Total number of containers force-removed after their deadline",
		},
	)

	ContainersVanished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_containers_vanished_total",
			Help: "Total number of tracked containers the engine no longer knew",
		},
	)

	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbay_quota_rejections_total",
			Help: "Total number of creations rejected by quota, by scope",
		},
		[]string{"scope"},
	)

	// Session metrics
	TerminalSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbay_terminal_sessions_active",
			Help: "Number of currently active terminal sessions",
		},
	)

	TerminalSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_terminal_sessions_total",
			Help: "Total number of terminal sessions opened",
		},
	)

	TerminalEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_terminal_evictions_total",
			Help: "Total number of terminal sessions evicted by a newer session",
		},
	)

	LogStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbay_log_streams_active",
			Help: "Number of currently active log follow streams",
		},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbay_reconcile_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbay_reconcile_errors_total",
			Help: "Total number of per-record reconciliation failures",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainerCreatesFailed)
	prometheus.MustRegister(ContainersExpired)
	prometheus.MustRegister(ContainersVanished)
	prometheus.MustRegister(QuotaRejections)
	prometheus.MustRegister(TerminalSessionsActive)
	prometheus.MustRegister(TerminalSessionsTotal)
	prometheus.MustRegister(TerminalEvictions)
	prometheus.MustRegister(LogStreamsActive)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
