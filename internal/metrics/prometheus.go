// Package metrics exposes proxy-level counters and histograms through the
// real Prometheus client, replacing the donor's homegrown JSON counter map
// of the same name with the standard /metrics exposition format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds metrics configuration, the same shape the donor used so
// config.go's wiring needs no changes.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, Path: "/metrics"}
}

// Metrics holds every proxy-level collector. All fields are safe for
// concurrent use; nil-receiver methods are no-ops so call sites don't need
// to branch on whether metrics are enabled (mirrors the donor's nil-Metrics
// pattern).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	ttft             *prometheus.HistogramVec

	accountRequests *prometheus.CounterVec
	accountErrors   *prometheus.CounterVec
	accountHealth   *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec

	rateLimitHits *prometheus.CounterVec

	retryAttempts   prometheus.Counter
	retrySuccesses  prometheus.Counter
	accountSwitches *prometheus.CounterVec

	poolClients prometheus.Gauge
	waitTime    *prometheus.HistogramVec
}

func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "requests_total", Help: "Completed proxy requests by account kind, model, and status class.",
		}, []string{"mode", "model", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "btrproxy", Name: "request_duration_seconds", Help: "Request latency by mode and model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode", "model"}),
		requestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "btrproxy", Name: "requests_in_flight", Help: "Requests currently being dispatched, by mode.",
		}, []string{"mode"}),
		ttft: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "btrproxy", Name: "time_to_first_token_seconds", Help: "Time to first streamed token, by mode and model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode", "model"}),
		accountRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "account_requests_total", Help: "Requests served per account.",
		}, []string{"account_id"}),
		accountErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "account_errors_total", Help: "Errors observed per account.",
		}, []string{"account_id"}),
		accountHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "btrproxy", Name: "account_healthy", Help: "1 if the account's last health check passed, else 0.",
		}, []string{"account_id"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "btrproxy", Name: "account_circuit_state", Help: "0=closed 1=open 2=half-open, per account.",
		}, []string{"account_id"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "rate_limit_hits_total", Help: "429 responses observed from upstream, by provider kind.",
		}, []string{"provider_kind"}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "retry_attempts_total", Help: "Dispatcher retry attempts across all accounts.",
		}),
		retrySuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "retry_successes_total", Help: "Requests that ultimately succeeded after at least one retry.",
		}),
		accountSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrproxy", Name: "account_switches_total", Help: "Failovers to a different account, by reason.",
		}, []string{"reason"}),
		poolClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btrproxy", Name: "http_pool_clients", Help: "Pooled upstream HTTP clients currently held open.",
		}),
		waitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "btrproxy", Name: "concurrency_wait_seconds", Help: "Time spent waiting for a concurrency slot, by slot type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"slot_type"}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.requestsInFlight, m.ttft,
		m.accountRequests, m.accountErrors, m.accountHealth, m.circuitState,
		m.rateLimitHits, m.retryAttempts, m.retrySuccesses, m.accountSwitches,
		m.poolClients, m.waitTime,
	)

	return m
}

// Handler serves the standard Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"error": "metrics disabled"}) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func (m *Metrics) RecordRequest(mode, model string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(mode, model, statusBucket(status)).Inc()
	m.requestDuration.WithLabelValues(mode, model).Observe(duration.Seconds())
}

func (m *Metrics) RecordTTFT(mode, model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ttft.WithLabelValues(mode, model).Observe(duration.Seconds())
}

func (m *Metrics) RecordWait(slotType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.waitTime.WithLabelValues(slotType).Observe(duration.Seconds())
}

func (m *Metrics) RecordAccountRequest(accountID string) {
	if m == nil {
		return
	}
	m.accountRequests.WithLabelValues(accountID).Inc()
}

func (m *Metrics) RecordAccountError(accountID string) {
	if m == nil {
		return
	}
	m.accountErrors.WithLabelValues(accountID).Inc()
}

func (m *Metrics) SetAccountHealth(accountID string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.accountHealth.WithLabelValues(accountID).Set(v)
}

func (m *Metrics) SetAccountCircuit(accountID string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(accountID).Set(float64(state))
}

func (m *Metrics) RecordRateLimitHit(providerKind string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(providerKind).Inc()
}

func (m *Metrics) RecordRetry(succeededAfterRetry bool) {
	if m == nil {
		return
	}
	m.retryAttempts.Inc()
	if succeededAfterRetry {
		m.retrySuccesses.Inc()
	}
}

func (m *Metrics) RecordAccountSwitch(reason string) {
	if m == nil {
		return
	}
	m.accountSwitches.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPoolClients(count int) {
	if m == nil {
		return
	}
	m.poolClients.Set(float64(count))
}

func (m *Metrics) incInFlight(mode string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(mode).Inc()
}

func (m *Metrics) decInFlight(mode string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(mode).Dec()
}

// RequestTracker bundles in-flight gauge bookkeeping, TTFT, and total
// duration for one request, kept from the donor's NewRequestTracker/Finish
// shape so dispatcher/pipeline call sites stay simple.
type RequestTracker struct {
	metrics   *Metrics
	mode      string
	model     string
	startTime time.Time
	mu        sync.Mutex
	ttftSet   bool
}

func (m *Metrics) NewRequestTracker(mode, model string) *RequestTracker {
	if m == nil {
		return nil
	}
	m.incInFlight(mode)
	return &RequestTracker{metrics: m, mode: mode, model: model, startTime: time.Now()}
}

func (t *RequestTracker) RecordTTFT() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ttftSet {
		t.ttftSet = true
		t.metrics.RecordTTFT(t.mode, t.model, time.Since(t.startTime))
	}
}

func (t *RequestTracker) Finish(status int) {
	if t == nil {
		return
	}
	t.metrics.RecordRequest(t.mode, t.model, status, time.Since(t.startTime))
	t.metrics.decInFlight(t.mode)
}
