package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Webhook("success")
	m.OrderAttempt("binance", "success")
	m.IdleSessions(3)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Webhook("success")
	m.Webhook("success")
	m.AuthRejected("token", "replayed_nonce")
	m.ObserveRequest("POST", "/webhook", "200", 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooks.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authRejects.WithLabelValues("token", "replayed_nonce")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "request_latency_seconds_bucket")
}
