package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobrelay"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "messages_total",
			Help:      "Messages sent and received per hop link.",
		},
		[]string{"hop", "direction", "type"},
	)
	linkDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "discarded_total",
			Help:      "Lines dropped by a hop link.",
		},
		[]string{"hop", "reason"},
	)
	linkReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Forced reconnects after repeated empty reads.",
		},
		[]string{"hop"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hop",
			Name:      "handshake_duration_seconds",
			Help:      "Time from launch to a published endpoint.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"mode", "success"},
	)
	longActionPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hop",
			Name:      "long_action_polls_total",
			Help:      "In-process answers received while polling a long action.",
		},
		[]string{"hop", "action"},
	)
	batchSubmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pbs",
			Name:      "submits_total",
			Help:      "Batch job submissions per dialect.",
		},
		[]string{"dialect", "success"},
	)
	nodeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "calls_total",
			Help:      "Actions dispatched by service nodes.",
		},
		[]string{"node", "action", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkMessages, linkDiscarded, linkReconnects,
			handshakeDuration, longActionPolls,
			batchSubmits, nodeCalls,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordMessage counts one message; direction is "in" or "out".
func RecordMessage(hop, direction, actionType string) {
	RegisterMetrics()
	linkMessages.WithLabelValues(hop, direction, actionType).Inc()
}

func RecordDiscarded(hop, reason string) {
	RegisterMetrics()
	linkDiscarded.WithLabelValues(hop, reason).Inc()
}

func RecordReconnect(hop string) {
	RegisterMetrics()
	linkReconnects.WithLabelValues(hop).Inc()
}

func RecordHandshake(mode string, duration time.Duration, success bool) {
	RegisterMetrics()
	handshakeDuration.WithLabelValues(mode, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordLongActionPoll(hop, action string) {
	RegisterMetrics()
	longActionPolls.WithLabelValues(hop, action).Inc()
}

func RecordBatchSubmit(dialect string, success bool) {
	RegisterMetrics()
	batchSubmits.WithLabelValues(dialect, strconv.FormatBool(success)).Inc()
}

// RecordNodeCall counts one dispatched action; outcome is "ok", "error" or
// "invalid".
func RecordNodeCall(node, action, outcome string) {
	RegisterMetrics()
	nodeCalls.WithLabelValues(node, action, outcome).Inc()
}
