package mxclient

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's hand-rolled bridge counters (messages,
// logins, errors, sync latency) onto real Prometheus collector types
// instead of atomics and a custom histogram, registered once per Registerer so
// multiple Client instances in one MatrixContext share a single set of
// series labeled by user_id.
type metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	loginAttempts    *prometheus.CounterVec
	syncErrors       *prometheus.CounterVec
	syncLatency      *prometheus.HistogramVec
}

var (
	metricsMu    sync.Mutex
	metricsByReg = map[prometheus.Registerer]*metrics{}
)

func newMetrics(reg prometheus.Registerer) *metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m, ok := metricsByReg[reg]; ok {
		return m
	}
	factory := promauto.With(reg)
	m := &metrics{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrixcore",
			Name:      "messages_sent_total",
			Help:      "Room events successfully sent to the homeserver.",
		}, []string{"user_id"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrixcore",
			Name:      "messages_received_total",
			Help:      "Timeline events applied from /sync.",
		}, []string{"user_id"}),
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrixcore",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"user_id", "outcome"}),
		syncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrixcore",
			Name:      "sync_errors_total",
			Help:      "Sync iterations that ended in an error, by classification.",
		}, []string{"user_id", "kind"}),
		syncLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matrixcore",
			Name:      "sync_request_seconds",
			Help:      "Wall-clock duration of one /sync long-poll request.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"user_id"}),
	}
	metricsByReg[reg] = m
	return m
}
