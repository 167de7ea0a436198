package notifier

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricsFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	cfg.Server.MetricsAllowedNetworks = []string{"192.0.2.0/24"}
	return newFixture(t, cfg)
}

// TestMetricsEndpoint verifies that the metrics endpoint serves Prometheus text
func TestMetricsEndpoint(t *testing.T) {
	f := metricsFixture(t)

	w := f.do(t, http.MethodGet, "/metrics/prometheus", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "# TYPE")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

// TestMetricsEndpoint_RecordsHTTPRequests checks that earlier requests show
// up in the request latency histogram under their route.
func TestMetricsEndpoint_RecordsHTTPRequests(t *testing.T) {
	f := metricsFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/auth/login", map[string]string{}, nil).Code)

	w := f.do(t, http.MethodGet, "/metrics/prometheus", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "notifier_http_request_duration_seconds")
	assert.Contains(t, body, `/healthz"`)
	assert.Contains(t, body, `/api/auth/login"`)
}
