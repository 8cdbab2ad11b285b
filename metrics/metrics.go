// Package metrics defines the Prometheus collectors the service exposes
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's collectors around one registry.
type Metrics struct {
	Registry *prometheus.Registry

	// LeasesInUse tracks browser contexts currently lent out.
	LeasesInUse prometheus.Gauge
	// ScrapeDuration observes navigation-to-final-snapshot time.
	ScrapeDuration prometheus.Histogram
	// SnapshotsYielded counts progressive and final snapshots.
	SnapshotsYielded *prometheus.CounterVec
	// Turns counts interrogation turns by outcome.
	Turns *prometheus.CounterVec
	// ToolCalls counts tool dispatches by tool and outcome.
	ToolCalls *prometheus.CounterVec
	// CrunchFiles counts uploaded export files.
	CrunchFiles prometheus.Counter
	// Requests counts HTTP requests by route and status.
	Requests *prometheus.CounterVec
}

// New builds the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		LeasesInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lector_browser_leases_in_use",
			Help: "Browser contexts currently lent out of the pool.",
		}),
		ScrapeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lector_scrape_duration_seconds",
			Help:    "Time from navigation start to the final snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		SnapshotsYielded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lector_snapshots_yielded_total",
			Help: "Snapshots yielded by the scrape pipeline.",
		}, []string{"kind"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lector_interrogate_turns_total",
			Help: "Interrogation turns by outcome.",
		}, []string{"outcome"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lector_tool_calls_total",
			Help: "Tool dispatches by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		CrunchFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "lector_crunch_files_total",
			Help: "Export files uploaded by the cruncher.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lector_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
	}
}
