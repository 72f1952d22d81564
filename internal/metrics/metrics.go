// Package metrics defines the Prometheus collectors for the ingestion function
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestion function.
type Metrics struct {
	RecordsTotal           *prometheus.CounterVec
	BatchesTotal           *prometheus.CounterVec
	DispatchDuration       *prometheus.HistogramVec
	NotificationFailures   prometheus.Counter
	StatusTransitionsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docingest_records_total",
				Help: "Event records processed, by outcome (success or error kind).",
			},
			[]string{"outcome"},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docingest_batches_total",
				Help: "Invocations processed, by result status.",
			},
			[]string{"status"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docingest_callback_dispatch_seconds",
				Help:    "Callback dispatch latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),
		NotificationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docingest_notification_failures_total",
				Help: "Notifications that could not be published.",
			},
		),
		StatusTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docingest_status_transitions_total",
				Help: "Metadata status writes, by target status and result.",
			},
			[]string{"status", "result"},
		),
	}

	reg.MustRegister(
		m.RecordsTotal,
		m.BatchesTotal,
		m.DispatchDuration,
		m.NotificationFailures,
		m.StatusTransitionsTotal,
	)
	return m
}

// Handler returns the Prometheus scrape HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
