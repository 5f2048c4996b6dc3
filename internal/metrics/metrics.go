// Package metrics owns the service's prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without a registry
// in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	requestLatency *prometheus.HistogramVec
	webhooks       *prometheus.CounterVec
	authRejects    *prometheus.CounterVec
	orderAttempts  *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	idleSessions   prometheus.Gauge
	queueDepth     prometheus.Gauge
	queueJobs      *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_latency_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradehook_webhooks_total",
			Help: "Webhook deliveries by final outcome.",
		}, []string{"outcome"}),
		authRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradehook_auth_rejections_total",
			Help: "Rejected deliveries by auth mode and reason.",
		}, []string{"mode", "reason"}),
		orderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradehook_order_attempts_total",
			Help: "Order placement attempts by venue and result.",
		}, []string{"venue", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradehook_pool_sessions_total",
			Help: "Venue session lifecycle events.",
		}, []string{"venue", "event"}),
		idleSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradehook_pool_idle_sessions",
			Help: "Idle venue sessions held by the pool.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradehook_queue_depth",
			Help: "Deferred orders waiting for a worker.",
		}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradehook_queue_jobs_total",
			Help: "Deferred orders by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.requestLatency, m.webhooks, m.authRejects, m.orderAttempts,
		m.sessions, m.idleSessions, m.queueDepth, m.queueJobs,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AuthRejected(mode, reason string) {
	if m == nil {
		return
	}
	m.authRejects.WithLabelValues(mode, reason).Inc()
}

func (m *Metrics) OrderAttempt(venue, result string) {
	if m == nil {
		return
	}
	m.orderAttempts.WithLabelValues(venue, result).Inc()
}

func (m *Metrics) Session(venue, event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(venue, event).Inc()
}

func (m *Metrics) IdleSessions(n int) {
	if m == nil {
		return
	}
	m.idleSessions.Set(float64(n))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueJob(result string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(result).Inc()
}
