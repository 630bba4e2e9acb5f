// Package instrument exposes the server's Prometheus metrics as package-level
// functions, the same calling convention the teacher uses for its own
// (unexported-source) instrument package — server/internal/decoy/decoy.go
// calls instrument.PacketsDropped() and instrument.IgnoredPKIDocs() as bare
// package functions rather than methods on an injected struct.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftgate_frames_dropped_total",
		Help: "Frames dropped by the transport or dispatcher, by reason.",
	}, []string{"reason"})

	cryptoFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swiftgate_crypto_failures_total",
		Help: "Decryption or decompression failures across all connections.",
	})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftgate_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by group.",
	}, []string{"group"})

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swiftgate_active_connections",
		Help: "Currently open connections.",
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swiftgate_queue_depth",
		Help: "Priority packet queue depth, by priority.",
	}, []string{"priority"})

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "swiftgate_handler_duration_seconds",
		Help: "Handler invocation latency, by command id.",
	}, []string{"command_id"})
)

func init() {
	prometheus.MustRegister(
		framesDropped,
		cryptoFailures,
		rateLimited,
		activeConnections,
		queueDepth,
		handlerDuration,
	)
}

// FrameDropped records a frame dropped for reason (e.g. "oversize",
// "bad_checksum", "unknown_command").
func FrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// CryptoFailure records a decrypt or decompress failure.
func CryptoFailure() {
	cryptoFailures.Inc()
}

// RateLimited records a request rejected by the rate limiter for group.
func RateLimited(group string) {
	rateLimited.WithLabelValues(group).Inc()
}

// ConnectionOpened increments the active-connections gauge.
func ConnectionOpened() {
	activeConnections.Inc()
}

// ConnectionClosed decrements the active-connections gauge.
func ConnectionClosed() {
	activeConnections.Dec()
}

// QueueDepth sets the current depth for priority.
func QueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// HandlerDuration records how long a handler invocation took, in seconds.
func HandlerDuration(commandID string, seconds float64) {
	handlerDuration.WithLabelValues(commandID).Observe(seconds)
}
