// Package metrics exposes accrual outcomes as prometheus counters.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carepoint/rewards-engine/rewards"
)

// Metrics implements rewards.Recorder. Each instance owns its registry so
// tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	accruals      *prometheus.CounterVec
	pointsGranted *prometheus.CounterVec
	appendRetries *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewards",
			Name:      "accruals_total",
			Help:      "Completion events handled by the accrual coordinator, by kind and outcome.",
		}, []string{"kind", "status"}),
		pointsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewards",
			Name:      "points_granted_total",
			Help:      "Points granted through accrual, by transaction kind.",
		}, []string{"kind"}),
		appendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewards",
			Name:      "ledger_append_retries_total",
			Help:      "Ledger append attempts that failed and were retried.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rewards",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.accruals,
		m.pointsGranted,
		m.appendRetries,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveAccrual(kind rewards.TransactionKind, status rewards.AccrualStatus, points int64) {
	m.accruals.WithLabelValues(string(kind), string(status)).Inc()
	if points > 0 {
		m.pointsGranted.WithLabelValues(string(kind)).Add(float64(points))
	}
}

func (m *Metrics) ObserveAppendRetry(kind rewards.TransactionKind) {
	m.appendRetries.WithLabelValues(string(kind)).Inc()
}

// ObserveRequest counts one served HTTP request.
func (m *Metrics) ObserveRequest(method string, code int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ rewards.Recorder = (*Metrics)(nil)
