// Package metrics holds the Prometheus collectors for the client session and
// synchronization layer.
//
// All methods are safe to call on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "huddle"

// Mutation outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeAccepted  = "accepted"
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeIgnored   = "ignored"
)

// Metrics bundles the collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	renewals        prometheus.Counter
	renewalFailures prometheus.Counter
	renewalJoins    prometheus.Counter
	retries         prometheus.Counter
	requests        *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	pending         *prometheus.GaugeVec
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "renewals_total",
			Help:      "Access credential renewals issued against the refresh endpoint.",
		}),
		renewalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "renewal_failures_total",
			Help:      "Renewals that failed and cleared the session.",
		}),
		renewalJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "renewal_joins_total",
			Help:      "Requests that awaited a renewal started by another request.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Requests retried once after an authorization failure.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "responses_total",
			Help:      "HTTP responses by status class.",
		}, []string{"class"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "mutations_total",
			Help:      "Optimistic mutation transitions by scope and outcome.",
		}, []string{"scope", "outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "pending",
			Help:      "Optimistic entries awaiting server confirmation.",
		}, []string{"scope"}),
	}
	m.registry.MustRegister(
		m.renewals,
		m.renewalFailures,
		m.renewalJoins,
		m.retries,
		m.requests,
		m.mutations,
		m.pending,
	)
	return m
}

// Gatherer exposes the registry for scraping or inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

func (m *Metrics) RenewalStarted() {
	if m != nil {
		m.renewals.Inc()
	}
}

func (m *Metrics) RenewalFailed() {
	if m != nil {
		m.renewalFailures.Inc()
	}
}

func (m *Metrics) RenewalJoined() {
	if m != nil {
		m.renewalJoins.Inc()
	}
}

func (m *Metrics) Retried() {
	if m != nil {
		m.retries.Inc()
	}
}

// ObserveStatus counts a response by class ("2xx", "4xx", ...). A zero status
// is counted as "error" (no response).
func (m *Metrics) ObserveStatus(status int) {
	if m == nil {
		return
	}
	class := "error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.requests.WithLabelValues(class).Inc()
}

func (m *Metrics) Mutation(scope, outcome string) {
	if m != nil {
		m.mutations.WithLabelValues(scope, outcome).Inc()
	}
}

// AddPending moves the pending gauge of scope by delta. Every collection of
// a scope reports its own changes, so the gauge sums across collections.
func (m *Metrics) AddPending(scope string, delta int) {
	if m != nil && delta != 0 {
		m.pending.WithLabelValues(scope).Add(float64(delta))
	}
}

// Counters used by tests and the CLI summary.

func (m *Metrics) Renewals() prometheus.Counter        { return m.renewals }
func (m *Metrics) RenewalFailures() prometheus.Counter { return m.renewalFailures }
func (m *Metrics) RenewalJoins() prometheus.Counter    { return m.renewalJoins }
func (m *Metrics) Retries() prometheus.Counter         { return m.retries }

// MutationCounter returns the counter for one scope/outcome pair.
func (m *Metrics) MutationCounter(scope, outcome string) prometheus.Counter {
	return m.mutations.WithLabelValues(scope, outcome)
}

// PendingGauge returns the pending gauge of one scope.
func (m *Metrics) PendingGauge(scope string) prometheus.Gauge {
	return m.pending.WithLabelValues(scope)
}
