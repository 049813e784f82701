// Package observability wires distributed tracing and Prometheus metrics
// for the orchestrator: a single InitOTel entrypoint plus a Metrics
// struct that components reach into directly rather than passing labels
// through every call site.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the gauges/counters named in the orchestrator's metrics
// surface: queue depth, active job count, subscriber count and backlog
// drops, and sweeper run outcomes.
type Metrics struct {
	QueueDepth       prometheus.Gauge
	ActiveJobs       prometheus.Gauge
	JobsStarted      *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	SubscriberCount  prometheus.Gauge
	BacklogDrops     prometheus.Counter
	SweeperRuns      prometheus.Counter
	SweeperRemoved   prometheus.Counter
	ReconcileMatched prometheus.Counter
	ReconcileOrphans prometheus.Counter
}

// NewMetrics registers every metric against reg and returns the struct
// components pull their individual gauges/counters from. Call with
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registerer across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slidecore_queue_depth",
			Help: "Number of conversion jobs currently queued.",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slidecore_active_jobs",
			Help: "Number of conversion jobs currently dispatched.",
		}),
		JobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecore_jobs_started_total",
			Help: "Conversion jobs started, by kind.",
		}, []string{"kind"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slidecore_jobs_finished_total",
			Help: "Conversion jobs finished, by terminal phase.",
		}, []string{"phase"}),
		SubscriberCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slidecore_event_subscribers",
			Help: "Number of connected event-bus subscribers.",
		}),
		BacklogDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecore_event_backlog_drops_total",
			Help: "Subscribers disconnected for exceeding the backlog buffer.",
		}),
		SweeperRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecore_sweeper_runs_total",
			Help: "Sweeper cycles executed.",
		}),
		SweeperRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecore_sweeper_removed_total",
			Help: "Orphan or stale staging directories removed by the sweeper.",
		}),
		ReconcileMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecore_reconcile_matched_total",
			Help: "Staging directories matched to a live tool process on restart.",
		}),
		ReconcileOrphans: factory.NewCounter(prometheus.CounterOpts{
			Name: "slidecore_reconcile_orphans_total",
			Help: "Staging directories found orphaned on restart.",
		}),
	}
}

// Handler exposes the metrics in Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
