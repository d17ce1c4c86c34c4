package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed tracks queue consumption results
	// Labels: status = completed | retry | error
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_processed_total",
		Help: "Total number of jobs processed by the worker",
	}, []string{"status", "queue"})

	// BatchDuration measures how long it takes to drain one claimed batch
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_batch_duration_seconds",
		Help:    "Duration of batch processing in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks the number of jobs actually claimed per batch
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_batch_size",
		Help:    "Number of jobs processed per batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50},
	})

	// PipelineOutcomes tracks where each post ended up after a pipeline pass
	// Labels: outcome = delivered | ignored | failed | needs_review | retry | suppressed | skipped
	PipelineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_pipeline_outcomes_total",
		Help: "Total number of pipeline passes by final outcome",
	}, []string{"outcome"})

	// DeliveryLatency measures the end-to-end sink dispatch latency
	// Buckets stretch to the 30s ambiguity cutoff
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_delivery_latency_seconds",
		Help:    "Latency of Discord webhook dispatch attempts",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)
