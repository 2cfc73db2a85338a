// Package telemetry exposes Prometheus metrics for searches, calendar
// retrieval and the HTTP API.
package telemetry

import (
	"freeslot/internal/availability"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	searchesTotal      *prometheus.CounterVec
	searchDuration     prometheus.Histogram
	slotsFound         prometheus.Histogram
	retrievalFailures  *prometheus.CounterVec
	syncedEvents       *prometheus.CounterVec
	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	apiActive          prometheus.Gauge
}

var _ availability.Recorder = (*Metrics)(nil)

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		searchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freeslot_searches_total",
			Help: "Availability searches by outcome.",
		}, []string{"outcome"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "freeslot_search_duration_seconds",
			Help:    "Time spent answering an availability search.",
			Buckets: prometheus.DefBuckets,
		}),
		slotsFound: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "freeslot_slots_found",
			Help:    "Number of slots returned by successful searches.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		retrievalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freeslot_retrieval_failures_total",
			Help: "Calendar retrievals that failed or timed out, by source.",
		}, []string{"source"}),
		syncedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freeslot_synced_events_total",
			Help: "Events written to the store by the sync job, by source.",
		}, []string{"source"}),
		apiRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freeslot_api_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "endpoint", "status"}),
		apiRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freeslot_api_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint", "status"}),
		apiActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "freeslot_api_active_connections",
			Help: "In-flight HTTP requests.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.searchesTotal,
		m.searchDuration,
		m.slotsFound,
		m.retrievalFailures,
		m.syncedEvents,
		m.apiRequestsTotal,
		m.apiRequestDuration,
		m.apiActive,
	)
	return m
}

// SearchCompleted records one finished search.
func (m *Metrics) SearchCompleted(outcome string, elapsed time.Duration, slots int) {
	m.searchesTotal.WithLabelValues(outcome).Inc()
	m.searchDuration.Observe(elapsed.Seconds())
	if outcome == availability.OutcomeOK {
		m.slotsFound.Observe(float64(slots))
	}
}

// RetrievalFailed records a failed or timed out calendar retrieval.
func (m *Metrics) RetrievalFailed(source string) {
	m.retrievalFailures.WithLabelValues(source).Inc()
}

// EventsSynced records events written by a sync run.
func (m *Metrics) EventsSynced(source string, count int) {
	m.syncedEvents.WithLabelValues(source).Add(float64(count))
}

// Handler exposes the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
