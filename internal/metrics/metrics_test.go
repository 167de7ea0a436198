package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestMetricsRegistration verifies that all metrics are properly registered
func TestMetricsRegistration(t *testing.T) {
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"WebSocketConnections", WebSocketConnections},
		{"FramesReceived", FramesReceived},
		{"FramesSent", FramesSent},
		{"FramesDropped", FramesDropped},
		{"MessageErrors", MessageErrors},
		{"MessagesPersisted", MessagesPersisted},
		{"EnrichmentRequests", EnrichmentRequests},
		{"EnrichmentLatency", EnrichmentLatency},
		{"EnrichmentFallbacks", EnrichmentFallbacks},
		{"PushAttempts", PushAttempts},
		{"SubscriptionsPruned", SubscriptionsPruned},
		{"MongoDBOperationDuration", MongoDBOperationDuration},
		{"HTTPRequestDuration", HTTPRequestDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.metric)
		})
	}
}

func TestWebSocketConnectionsGauge(t *testing.T) {
	initial := testutil.ToFloat64(WebSocketConnections)

	WebSocketConnections.Inc()
	assert.Equal(t, initial+1, testutil.ToFloat64(WebSocketConnections))

	WebSocketConnections.Dec()
	assert.Equal(t, initial, testutil.ToFloat64(WebSocketConnections))
}

func TestPushAttemptsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(PushAttempts.WithLabelValues(PushGone))
	PushAttempts.WithLabelValues(PushGone).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PushAttempts.WithLabelValues(PushGone)))
}
