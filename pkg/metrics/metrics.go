package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksReceived tracks inbound deliveries by verification result
	// Labels: result = accepted | invalid_signature | ignored_shape
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhooks_received_total",
		Help: "Total number of webhook deliveries received by the ingress",
	}, []string{"result"})

	// PostsEnqueued counts new posts that produced a processing job
	PostsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_posts_enqueued_total",
		Help: "Total number of process-post jobs enqueued",
	})

	// PostsDeduplicated counts webhook changes collapsed onto an existing row
	// A high rate here just means the upstream is retry-hungry, not a problem
	PostsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_posts_deduplicated_total",
		Help: "Total number of duplicate webhook deliveries collapsed",
	})

	// QueueBacklog is the primary indicator of worker lag
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_backlog",
		Help: "Current number of live jobs (created/active/retry) in the queue",
	})

	// HealthStatus provides a binary 0/1 signal for the process's health
	// 1 = Healthy, 0 = Unhealthy (store unreachable)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_healthy",
		Help: "Current health status of the process (1 for healthy, 0 for unhealthy)",
	})
)
