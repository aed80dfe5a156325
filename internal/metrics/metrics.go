// Package metrics provides Prometheus instrumentation for the duel relay.
// It exposes gauges for connections and topic subscriptions, counters for
// session lifecycle and fan-out throughput, and histograms for persistence
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duel_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts inbound frames, labeled by result:
	// "handled", "malformed", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_messages_total",
		Help: "Total number of inbound messages processed",
	}, []string{"result"})

	// MessageLatency records inbound message handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duel_message_latency_seconds",
		Help:    "Inbound message handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SessionsCreated counts sessions created on this instance.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_sessions_created_total",
		Help: "Total number of sessions created",
	})

	// SessionJoins counts join attempts, labeled by result:
	// "ok", "not_found", "seat_taken", or "storage_failure".
	SessionJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_session_joins_total",
		Help: "Total number of join attempts by result",
	}, []string{"result"})

	// MovesRelayed counts accepted moves.
	MovesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_moves_relayed_total",
		Help: "Total number of moves accepted and relayed",
	})

	// FanoutDeliveries counts per-connection deliveries, labeled by result:
	// "ok" or "error".
	FanoutDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_fanout_deliveries_total",
		Help: "Total number of per-connection event deliveries",
	}, []string{"result"})

	// BusMessages counts cross-instance bus traffic, labeled by direction:
	// "published", "received", or "dropped".
	BusMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_bus_messages_total",
		Help: "Total number of cross-instance bus messages",
	}, []string{"direction"})

	// TopicSubscriptions tracks the current number of (connection, topic)
	// subscriptions on this instance.
	TopicSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duel_topic_subscriptions",
		Help: "Current number of connection topic subscriptions",
	})

	// PersistLatency records the duration of state writes, including retries.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duel_persist_latency_seconds",
		Help:    "Session state write latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// PersistFailures counts state writes abandoned after all retries.
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_persist_failures_total",
		Help: "Total number of session state writes that failed",
	})

	// PersistCoalesced counts state writes superseded by a later move before
	// they reached storage.
	PersistCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duel_persist_coalesced_total",
		Help: "Total number of pending state writes replaced by a newer move",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		SessionsCreated,
		SessionJoins,
		MovesRelayed,
		FanoutDeliveries,
		BusMessages,
		TopicSubscriptions,
		PersistLatency,
		PersistFailures,
		PersistCoalesced,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
