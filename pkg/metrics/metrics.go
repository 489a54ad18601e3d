// Package metrics exposes prometheus instrumentation for the proxy core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AcceptedTotal counts connections accepted by the listener.
	AcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mitmgo",
		Name:      "connections_accepted_total",
		Help:      "Total number of client connections accepted.",
	})

	// ActiveConnections tracks currently running connection handlers.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mitmgo",
		Name:      "connections_active",
		Help:      "Number of connection handlers currently running.",
	})

	// HooksDispatched counts awaited lifecycle hooks by kind.
	HooksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mitmgo",
		Name:      "hooks_dispatched_total",
		Help:      "Total number of lifecycle hooks dispatched to addons.",
	}, []string{"kind"})

	// HookDuration observes how long hook replies took to commit. Hook
	// completion is unbounded, so the buckets reach into minutes.
	HookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mitmgo",
		Name:      "hook_duration_seconds",
		Help:      "Time from hook dispatch to reply commit.",
		Buckets:   []float64{.001, .01, .1, 1, 10, 60, 300},
	})

	// ListenerRebuilds counts listener socket swaps triggered by
	// configuration changes.
	ListenerRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mitmgo",
		Name:      "listener_rebuilds_total",
		Help:      "Total number of listener rebuilds.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
