// Package metrics exposes Prometheus counters for the generation pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names.
const (
	MetricSubmissionsTotal     = "nyxel_generation_submissions_total"
	MetricOutcomesTotal        = "nyxel_generation_outcomes_total"
	MetricCreditsDeductedTotal = "nyxel_credits_deducted_total"
	MetricSettlementsTotal     = "nyxel_credit_settlements_total"
	MetricRelayFailuresTotal   = "nyxel_relay_failures_total"
	MetricPollErrorsTotal      = "nyxel_provider_poll_errors_total"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	creditsDeducted *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	relayFailures   prometheus.Counter
	pollErrors      *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSubmissionsTotal,
			Help: "Generation submissions accepted by a provider.",
		}, []string{"provider", "mode"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricOutcomesTotal,
			Help: "Terminal generation outcomes.",
		}, []string{"provider", "status"}),
		creditsDeducted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCreditsDeductedTotal,
			Help: "Credits deducted from user balances.",
		}, []string{"credit_type"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSettlementsTotal,
			Help: "Settlement attempts by result.",
		}, []string{"result"}),
		relayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRelayFailuresTotal,
			Help: "Media relay failures after a successful generation.",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPollErrorsTotal,
			Help: "Transient provider errors while polling status.",
		}, []string{"provider"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions,
		m.outcomes,
		m.creditsDeducted,
		m.settlements,
		m.relayFailures,
		m.pollErrors,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(provider, mode string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(provider, mode).Inc()
}

func (m *Metrics) Outcome(provider, status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) CreditsDeducted(creditType string, amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsDeducted.WithLabelValues(creditType).Add(float64(amount))
}

// Settlement records "settled", "duplicate" or "error"
func (m *Metrics) Settlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
}

func (m *Metrics) RelayFailure() {
	if m == nil {
		return
	}
	m.relayFailures.Inc()
}

func (m *Metrics) PollError(provider string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(provider).Inc()
}
