// Package metrics provides Prometheus metrics collection for the notifier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of live connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_websocket_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// FramesReceived tracks inbound frames by type
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_frames_received_total",
		Help: "Total number of frames received from clients by type",
	}, []string{"type"})

	// FramesSent tracks frames written to clients
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_frames_sent_total",
		Help: "Total number of frames written to clients",
	})

	// FramesDropped tracks frames dropped because a connection queue was full or closing
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_frames_dropped_total",
		Help: "Total number of outbound frames dropped",
	})

	// MessageErrors tracks rejected frames, failed submits and recovered panics
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// MessagesPersisted tracks stored messages by kind
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_messages_persisted_total",
		Help: "Total number of messages persisted by kind",
	}, []string{"kind"})

	// EnrichmentRequests tracks enrichment calls by provider
	EnrichmentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_enrichment_requests_total",
		Help: "Total number of enrichment requests by provider",
	}, []string{"provider"})

	// EnrichmentLatency tracks enrichment call latency by provider
	EnrichmentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notifier_enrichment_latency_seconds",
		Help:    "Latency of enrichment requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// EnrichmentFallbacks tracks fallback notes by reason
	EnrichmentFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_enrichment_fallbacks_total",
		Help: "Total number of fallback notes used instead of a generated note",
	}, []string{"provider", "reason"})

	// PushAttempts tracks per-endpoint push outcomes
	PushAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_push_attempts_total",
		Help: "Total number of push sends by outcome",
	}, []string{"outcome"})

	// SubscriptionsPruned tracks subscriptions removed after a gone or expired answer
	SubscriptionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_subscriptions_pruned_total",
		Help: "Total number of push subscriptions pruned",
	})

	// MongoDBOperationDuration tracks MongoDB operation latency
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notifier_mongodb_operation_duration_seconds",
		Help:    "Duration of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks HTTP request latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notifier_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})
)

// Push outcome labels
const (
	PushDelivered = "delivered"
	PushFailed    = "failed"
	PushGone      = "gone"
	PushExpired   = "expired"
)
