package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atm_fieldops"

// Metrics holds Prometheus metrics for the ticket service
type Metrics struct {
	Registry *prometheus.Registry

	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	DispatchTotal     *prometheus.CounterVec
	FinalizeTotal     *prometheus.CounterVec
	VerificationTotal *prometheus.CounterVec
	ArrivalTotal      *prometheus.CounterVec
}

// New creates a metrics instance on its own registry, so tests can build as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tickets",
				Name:      "dispatch_total",
				Help:      "Dispatch attempts by outcome",
			},
			[]string{"outcome"}, // assigned, no_capacity, error
		),
		FinalizeTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tickets",
				Name:      "finalize_total",
				Help:      "Finalization attempts by outcome",
			},
			[]string{"outcome"},
		),
		VerificationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tickets",
				Name:      "verification_total",
				Help:      "Verification code submissions by result",
			},
			[]string{"result"},
		),
		ArrivalTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tickets",
				Name:      "arrival_checks_total",
				Help:      "Arrival checks by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// The helpers below tolerate a nil receiver so callers can run without metrics.

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Finalize(outcome string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.VerificationTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Arrival(result string) {
	if m == nil {
		return
	}
	m.ArrivalTotal.WithLabelValues(result).Inc()
}
