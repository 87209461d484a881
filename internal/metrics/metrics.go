// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wabot"

var (
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_messages_total",
		Help:      "Inbound messages by dispatch outcome.",
	}, []string{"outcome"})

	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ai_calls_total",
		Help:      "Calls to the AI collaborator by result.",
	}, []string{"result"})

	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_deliveries_total",
		Help:      "Per-destination broadcast outcomes.",
	}, []string{"status"})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts made by the connection supervisor.",
	})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disconnects_total",
		Help:      "Connection closes by classified cause.",
	}, []string{"cause", "action"})

	ConnectionPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_phase",
		Help:      "1 for the current externally visible connection phase, 0 otherwise.",
	}, []string{"phase"})

	CachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_cached",
		Help:      "Sender states currently held in memory.",
	})

	PurgedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_purged_total",
		Help:      "Sender states removed by the retention sweeper.",
	})

	PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_subscribers",
		Help:      "Connected pairing page websockets.",
	})
)

// SetPhase marks phase as the current one among phases.
func SetPhase(current string, phases ...string) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		ConnectionPhase.WithLabelValues(p).Set(v)
	}
}
