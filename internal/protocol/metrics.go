package protocol

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes run-level counters on the report transport. Each run
// gets its own registry so nothing leaks across invocations.
type Metrics struct {
	registry *prometheus.Registry

	Reports     *prometheus.CounterVec
	SoftRetries prometheus.Counter
	HardRetries prometheus.Counter
	FlakyTests  prometheus.Counter
}

// NewMetrics creates and registers the run's counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browsertest",
			Name:      "reports_total",
			Help:      "Report messages received, by kind.",
		}, []string{"kind"}),
		SoftRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browsertest",
			Name:      "soft_retries_total",
			Help:      "Page reloads issued after a failed attempt.",
		}),
		HardRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browsertest",
			Name:      "hard_retries_total",
			Help:      "Session relaunches issued after soft retries were exhausted.",
		}),
		FlakyTests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browsertest",
			Name:      "flaky_tests_total",
			Help:      "Tests demoted from failure to warning after passing on retry.",
		}),
	}

	m.registry.MustRegister(m.Reports, m.SoftRetries, m.HardRetries, m.FlakyTests)

	return m
}

// Handler serves the Prometheus scrape endpoint for this run.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
