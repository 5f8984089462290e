// Package metrics provides Prometheus metrics for the record service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RecordsCreated      prometheus.Counter
	RecordsUpdated      prometheus.Counter
	RecordsDeleted      prometheus.Counter
	RecordsVerified     prometheus.Counter
	ItemsDispensed      prometheus.Counter
	RequestsDenied      prometheus.Counter
	RequestDuration     *prometheus.HistogramVec
	AuditAppends        prometheus.Counter
	AuditAppendFailures prometheus.Counter
	AuditQueueDepth     prometheus.Gauge
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RecordsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_created_total",
			Help: "Total prescription records created",
		}),
		RecordsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_updated_total",
			Help: "Total prescription records updated",
		}),
		RecordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_deleted_total",
			Help: "Total prescription records soft-deleted",
		}),
		RecordsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_verified_total",
			Help: "Total prescription records verified",
		}),
		ItemsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "items_dispensed_total",
			Help: "Total medicine items dispensed",
		}),
		RequestsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_denied_total",
			Help: "Total requests rejected by the authorization gate",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route", "method"}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Total audit ledger appends",
		}),
		AuditAppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Total failed audit ledger appends",
		}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Audit entries queued in the worker pool",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.RecordsCreated,
		m.RecordsUpdated,
		m.RecordsDeleted,
		m.RecordsVerified,
		m.ItemsDispensed,
		m.RequestsDenied,
		m.RequestDuration,
		m.AuditAppends,
		m.AuditAppendFailures,
		m.AuditQueueDepth,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
