package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "operation",
			Name:      "total",
			Help:      "Total number of operations by terminal outcome",
		},
		[]string{"op", "outcome"},
	)

	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "operation",
			Name:      "latency_seconds",
			Help:      "Time from open to terminal event in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"op"},
	)

	ActiveSequences = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "operation",
			Name:      "active",
			Help:      "Number of response sequences currently open",
		},
	)

	// Wire metrics
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "wire",
			Name:      "envelopes_received_total",
			Help:      "Total number of envelopes received by kind",
		},
		[]string{"op", "kind"},
	)

	MalformedUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "wire",
			Name:      "malformed_total",
			Help:      "Total number of frames or events that failed to decode",
		},
		[]string{"transport"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "error",
			Name:      "total",
			Help:      "Total number of caller-visible errors by code",
		},
		[]string{"op", "code"},
	)

	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of sessions started",
		},
		[]string{"transport"},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Total number of sessions ended",
		},
		[]string{"forced"},
	)
)

// RecordOperation records the outcome and latency of one operation.
func RecordOperation(op, outcome string, duration time.Duration) {
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordError counts a caller-visible error.
func RecordError(op, code string) {
	ErrorsTotal.WithLabelValues(op, code).Inc()
}
