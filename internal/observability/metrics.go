package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handshake outcomes.
const (
	HandshakeAccepted    = "accepted"
	HandshakeTimeout     = "timeout"
	HandshakeInvalidID   = "invalid_id"
	HandshakeUnknownRole = "unknown_role"
	HandshakeClosed      = "closed"
	HandshakeThrottled   = "throttled"
)

// Pair outcomes.
const (
	PairCompleted      = "completed"
	PairEvicted        = "evicted"
	PairReplaced       = "replaced"
	PairDuplicate      = "duplicate"
	PairDispatchFailed = "dispatch_failed"
)

// RPC call statuses.
const (
	CallOK          = "ok"
	CallRemoteError = "remote_error"
	CallLost        = "lost"
	CallCanceled    = "canceled"
)

var (
	registerOnce sync.Once

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourceagent",
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Connection handshakes by outcome.",
		},
		[]string{"outcome"},
	)
	pairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourceagent",
			Subsystem: "pairing",
			Name:      "events_total",
			Help:      "Pairing registry events by outcome.",
		},
		[]string{"outcome"},
	)
	pendingPairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sourceagent",
			Subsystem: "pairing",
			Name:      "entries",
			Help:      "Registry entries, pending or bound.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sourceagent",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live plugin sessions.",
		},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourceagent",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls issued to plugins.",
		},
		[]string{"method", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sourceagent",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	logNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourceagent",
			Subsystem: "rpc",
			Name:      "log_notifications_total",
			Help:      "Log notifications received from plugins.",
		},
		[]string{"level"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourceagent",
			Subsystem: "rpc",
			Name:      "protocol_errors_total",
			Help:      "Dropped inbound comm messages.",
		},
		[]string{"reason"},
	)
	dataBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sourceagent",
			Subsystem: "data",
			Name:      "bytes_total",
			Help:      "Sample bytes read from data streams.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			handshakes,
			pairs,
			pendingPairs,
			activeSessions,
			rpcCalls,
			rpcDuration,
			logNotifications,
			protocolErrors,
			dataBytes,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHandshake(outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(outcome).Inc()
}

func RecordPair(outcome string) {
	RegisterMetrics()
	pairs.WithLabelValues(outcome).Inc()
}

func SetPendingPairs(n int) {
	RegisterMetrics()
	pendingPairs.Set(float64(n))
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

func RecordCall(method, status string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, status).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordLogNotification(level string) {
	RegisterMetrics()
	logNotifications.WithLabelValues(level).Inc()
}

func RecordProtocolError(reason string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(reason).Inc()
}

func RecordDataBytes(n int) {
	RegisterMetrics()
	dataBytes.Add(float64(n))
}
