// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway metrics. A nil *Metrics records nothing.
type Metrics struct {
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	providerAttempts *prometheus.CounterVec
	quotaRejections  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	recorderRetries  prometheus.Counter
	recorderFailures prometheus.Counter
	recorderDropped  prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

// New registers the gateway metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_gateway_queries_total",
				Help: "Queries by terminal state",
			},
			[]string{"outcome"},
		),
		queryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_gateway_query_duration_seconds",
				Help:    "End-to-end query latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		providerAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_gateway_provider_attempts_total",
				Help: "Provider attempts by result (ok or error kind)",
			},
			[]string{"provider", "result"},
		),
		quotaRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_gateway_quota_rejections_total",
				Help: "Admissions refused by the quota ledger",
			},
			[]string{"dimension"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "query_gateway_breaker_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),
		recorderRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "query_gateway_recorder_retries_total",
			Help: "Usage record writes retried after a persistence failure",
		}),
		recorderFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "query_gateway_recorder_failures_total",
			Help: "Usage records abandoned after exhausting retries",
		}),
		recorderDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "query_gateway_recorder_dropped_total",
			Help: "Usage records not enqueued because the queue was full",
		}),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_gateway_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordQuery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(outcome).Inc()
	m.queryDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.providerAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordQuotaRejection(dimension string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(dimension).Inc()
}

// SetBreakerState takes the numeric value of a gobreaker.State.
func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) RecordRecorderRetry() {
	if m == nil {
		return
	}
	m.recorderRetries.Inc()
}

func (m *Metrics) RecordRecorderFailure() {
	if m == nil {
		return
	}
	m.recorderFailures.Inc()
}

func (m *Metrics) RecordRecorderDropped() {
	if m == nil {
		return
	}
	m.recorderDropped.Inc()
}

func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
