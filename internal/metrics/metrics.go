package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhooks
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_webhooks_total",
			Help: "Gateway webhooks by outcome",
		},
		[]string{"outcome"}, // accepted|duplicate|invalid_signature|malformed_payload|state_conflict|processing_failed
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_transitions_total",
			Help: "Committed transaction status transitions",
		},
		[]string{"type", "to"},
	)

	// Ledger
	LedgerMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_ledger_mutations_total",
			Help: "Committed ledger entries by kind",
		},
		[]string{"kind"},
	)
	LedgerConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_ledger_version_conflicts_total",
			Help: "Optimistic lock conflicts that forced a retry",
		},
	)
	LedgerDriftTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_ledger_drift_total",
			Help: "Wallets whose stored balance disagrees with their entries",
		},
	)

	SweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_sweep_items_total",
			Help: "Reconciliation sweep items by outcome",
		},
		[]string{"sweep", "outcome"}, // processed|skipped|failed
	)

	StalledTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payments_stalled_transfers",
			Help: "Transfers pending past the timeout with funds still reserved, as of the last sweep",
		},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_oauth_refresh_total",
			Help: "Outbound OAuth token refreshes",
		},
		[]string{"result"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_domain_events_total",
			Help: "Domain event deliveries by publisher and result",
		},
		[]string{"publisher", "result"},
	)

	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payments_worker_queue_depth",
			Help: "Current event worker queue depth",
		},
	)
)

var Handler = promhttp.Handler

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(WebhooksTotal)
		prometheus.MustRegister(TransitionsTotal)
		prometheus.MustRegister(LedgerMutationsTotal)
		prometheus.MustRegister(LedgerConflictsTotal)
		prometheus.MustRegister(LedgerDriftTotal)
		prometheus.MustRegister(SweepItemsTotal)
		prometheus.MustRegister(StalledTransfers)
		prometheus.MustRegister(TokenRefreshTotal)
		prometheus.MustRegister(EventsPublishedTotal)
		prometheus.MustRegister(WorkerQueueDepth)
		prometheus.MustRegister(HTTPLatency)
	})
}
