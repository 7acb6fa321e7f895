package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TicksTotal.Inc()
	m.AlertsTotal.WithLabelValues("Bullish").Inc()
	m.AlertsSuppressed.WithLabelValues("cooldown").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsSuppressed.WithLabelValues("cooldown")))

	n, err := testutil.GatherAndCount(reg, "screener_alerts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second set on a fresh registry must not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestMetrics_Sample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	depth := 3
	m.Sample("screener_test_queue_depth", "Queue depth", func() float64 { return float64(depth) })

	expected := `
# HELP screener_test_queue_depth Queue depth
# TYPE screener_test_queue_depth gauge
screener_test_queue_depth 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "screener_test_queue_depth"))

	depth = 0
	expected = strings.Replace(expected, "depth 3", "depth 0", 1)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "screener_test_queue_depth"))

	assert.Panics(t, func() { m.Sample("screener_test_queue_depth", "again", func() float64 { return 0 }) })
}

func healthz(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	h := NewHealthStatus("redis")

	code, body := healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])

	h.SetFeedState("streaming", true)
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"], "cache not yet probed")

	h.SetCacheOK(true)
	h.SetActivePairs(6)
	h.SetTimeframes([]string{"15m", "1h"})
	h.SetLastTickTime(time.Now())
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 6.0, body["active_pairs"])
	assert.NotEmpty(t, body["tick_age"])
}

func TestHealthStatus_NoCacheIsHealthy(t *testing.T) {
	h := NewHealthStatus("none")
	h.SetFeedState("streaming", true)
	_, body := healthz(t, h)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["cache_ok"])
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.HubSubscribers.Set(3)

	h := NewHealthStatus("none")
	srv := httptest.NewServer(NewServer(":0", h, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "screener_hub_subscribers 3")

	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
