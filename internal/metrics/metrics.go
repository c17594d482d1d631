package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ordersync",
			Name:      "queue_pending",
			Help:      "Mutations waiting to be replayed.",
		},
	)

	mutationsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordersync",
			Name:      "mutations_replayed_total",
			Help:      "Replayed mutations by result (success, retry, failed).",
		},
		[]string{"result"},
	)

	socketEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordersync",
			Name:      "socket_events_total",
			Help:      "Realtime events received by priority.",
		},
		[]string{"priority"},
	)

	socketCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ordersync",
			Name:      "socket_events_coalesced_total",
			Help:      "Realtime events dropped by per-resource coalescing.",
		},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ordersync",
			Name:      "channel_reconnects_total",
			Help:      "Realtime channel reconnect attempts.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queuePending, mutationsReplayed, socketEvents, socketCoalesced, reconnects)
	})
}

// SetQueuePending records the current number of pending mutations.
func SetQueuePending(n int) {
	queuePending.Set(float64(n))
}

// IncReplayed increments the replay counter for a result label.
func IncReplayed(result string) {
	mutationsReplayed.WithLabelValues(result).Inc()
}

// IncSocketEvent increments the received-event counter for a priority label.
func IncSocketEvent(priority string) {
	socketEvents.WithLabelValues(priority).Inc()
}

// AddCoalesced records events dropped in a drain cycle.
func AddCoalesced(n int) {
	socketCoalesced.Add(float64(n))
}

// IncReconnect counts one reconnect attempt.
func IncReconnect() {
	reconnects.Inc()
}
