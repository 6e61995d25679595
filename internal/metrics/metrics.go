// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections is the number of open WebSocket connections on this gateway.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medilink_gateway_connections",
		Help: "Current number of open WebSocket connections",
	})

	// EventsTotal counts inbound client events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medilink_gateway_events_total",
		Help: "Inbound client events by type",
	}, []string{"type"})

	// ChatMessagesTotal counts send_message outcomes: sent, duplicate, rejected.
	ChatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medilink_chat_messages_total",
		Help: "Chat messages by outcome",
	}, []string{"outcome"})

	// SignalRelaysTotal counts relayed signaling frames by kind.
	SignalRelaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medilink_signal_relays_total",
		Help: "Relayed signaling frames by kind",
	}, []string{"kind"})

	// MessageLatency records store-and-publish time of a chat message.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "medilink_chat_message_latency_seconds",
		Help:    "Time to persist and publish a chat message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CallRoomMemberships counts local connections currently in a call room.
	// Two local participants of one room count twice.
	CallRoomMemberships = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medilink_call_room_memberships",
		Help: "Call room memberships held by connections on this gateway",
	})

	// RingTimeoutsTotal counts calls that rang out unanswered.
	RingTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medilink_ring_timeouts_total",
		Help: "Calls that were not answered before the ring deadline",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		EventsTotal,
		ChatMessagesTotal,
		SignalRelaysTotal,
		MessageLatency,
		CallRoomMemberships,
		RingTimeoutsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
