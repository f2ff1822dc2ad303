// Package metrics provides Prometheus collectors for the tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buyscope"

// Metrics holds every collector. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	// Reconciliation
	ReconcilePasses        *prometheus.CounterVec
	ReconcileDuration      prometheus.Histogram
	ConnectionReplacements *prometheus.CounterVec
	ConnectionFailures     *prometheus.CounterVec
	SubscriptionsAttached  *prometheus.CounterVec
	SubscriptionsDetached  *prometheus.CounterVec
	ActiveSubscriptions    *prometheus.GaugeVec
	PoolsDiscovered        *prometheus.CounterVec

	// Event handling
	SwapEvents     *prometheus.CounterVec
	BuysClassified *prometheus.CounterVec
	BuyersSkipped  *prometheus.CounterVec
	HandlerPanics  prometheus.Counter

	// Dispatch
	JobsEnqueued  prometheus.Counter
	JobsDropped   prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsDelivered prometheus.Counter
	QueueDepth    prometheus.Gauge

	// Scanner
	PoolsCreated *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ReconcilePasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by outcome",
		}, []string{"status"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Reconciliation pass duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		ConnectionReplacements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connection_replacements_total",
			Help:      "Stale streaming connections replaced",
		}, []string{"chain"}),
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connection_failures_total",
			Help:      "Failed attempts to open or replace a chain connection",
		}, []string{"chain"}),
		SubscriptionsAttached: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions_attached_total",
			Help:      "Pool subscriptions attached",
		}, []string{"chain"}),
		SubscriptionsDetached: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions_detached_total",
			Help:      "Pool subscriptions detached",
		}, []string{"chain"}),
		ActiveSubscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_subscriptions",
			Help:      "Pool subscriptions currently attached",
		}, []string{"chain"}),
		PoolsDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pools_discovered_total",
			Help:      "Pool addresses auto-filled by discovery",
		}, []string{"chain"}),

		SwapEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "swaps_total",
			Help:      "Swap logs received by protocol version",
		}, []string{"chain", "version"}),
		BuysClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "buys_total",
			Help:      "Swaps classified as buys",
		}, []string{"chain"}),
		BuyersSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "buyers_skipped_total",
			Help:      "Buys dropped because the buyer could not be attributed",
		}, []string{"chain"}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in event handling",
		}),

		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_enqueued_total",
			Help:      "Alert jobs enqueued",
		}),
		JobsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_dropped_total",
			Help:      "Alert jobs dropped on queue overflow",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_failed_total",
			Help:      "Alert jobs that returned an error or panicked",
		}),
		JobsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_delivered_total",
			Help:      "Alert jobs completed successfully",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Alert jobs waiting in the queue",
		}),

		PoolsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "pools_created_total",
			Help:      "New pools observed on factories",
		}, []string{"chain", "kind"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
