// Package monitoring registers the Prometheus metrics for the control
// plane. Everything is registered through promauto on the default
// registry and served from /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analyzer pipeline.
var (
	AnalyzerRuntimeMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blockremote",
		Subsystem: "analyzer",
		Name:      "runtime_ms",
		Help:      "Per-job analyzer runtime in milliseconds.",
		Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200},
	})

	AnalyzerEnqueueMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blockremote",
		Subsystem: "analyzer",
		Name:      "enqueue_latency_ms",
		Help:      "Time a job spent queued before a worker picked it up.",
		Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200},
	})

	AnalyzerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blockremote",
		Subsystem: "analyzer",
		Name:      "queue_depth",
		Help:      "Jobs waiting on the analyzer queue, sampled per job.",
	})

	AnalyzerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "analyzer",
		Name:      "decisions_total",
		Help:      "Trust decisions by outcome.",
	}, []string{"outcome"})

	AnalyzerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "analyzer",
		Name:      "drops_total",
		Help:      "Jobs shed by a load gate, by reason.",
	}, []string{"reason"})
)

// Token lifecycle.
var (
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "tokens",
		Name:      "issued_total",
		Help:      "Token pairs issued, by grant.",
	}, []string{"grant"})

	TokenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "tokens",
		Name:      "failures_total",
		Help:      "Rejected token operations, by reason.",
	}, []string{"reason"})

	Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "tokens",
		Name:      "revocations_total",
		Help:      "Device revocations, by source.",
	}, []string{"source"})
)

// Ingest and sockets.
var (
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "ingest",
		Name:      "heartbeats_total",
		Help:      "Accepted heartbeat payloads.",
	})

	SocketsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockremote",
		Subsystem: "fabric",
		Name:      "sockets_active",
		Help:      "Open kill-switch sockets, by channel.",
	}, []string{"channel"})

	SocketRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "fabric",
		Name:      "rejections_total",
		Help:      "Socket admissions refused, by close code.",
	}, []string{"code"})
)

// Billing.
var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockremote",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Billing webhook deliveries, by result.",
	}, []string{"result"})
)
