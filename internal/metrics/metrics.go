// Package metrics provides Prometheus instrumentation for the chat sync
// client. It exposes counters for event and publish throughput, a gauge for
// the connection state, and counters for reconnects and uploads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts inbound server events, labeled by event name.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_received_total",
		Help: "Total number of server events received",
	}, []string{"event"})

	// EventsDropped counts frames that could not be decoded or had no handler.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_dropped_total",
		Help: "Total number of server events dropped",
	}, []string{"reason"}) // reason = "parse", "unhandled"

	// Publishes counts outbound events, labeled by event name and result.
	Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_publishes_total",
		Help: "Total number of events published to the server",
	}, []string{"event", "result"}) // result = "ok", "error"

	// ConnectionState reports 0 = disconnected, 1 = connecting, 2 = connected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Current transport state (0 disconnected, 1 connecting, 2 connected)",
	})

	// Reconnects counts reconnect attempts made by the transport.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total number of transport reconnect attempts",
	})

	// HeartbeatTimeouts counts connections dropped for going silent.
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_heartbeat_timeouts_total",
		Help: "Total number of connections closed by the heartbeat for inactivity",
	})

	// UnreadMessages tracks the total number of unread private messages.
	UnreadMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_messages",
		Help: "Current number of unread private messages across all threads",
	})

	// Uploads counts attachment uploads, labeled by outcome.
	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_uploads_total",
		Help: "Total number of attachment uploads",
	}, []string{"result"}) // result = "ok" or an upload failure reason

	// UploadLatency records upload round-trip latency in seconds.
	UploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_upload_latency_seconds",
		Help:    "Attachment upload latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		EventsReceived,
		EventsDropped,
		Publishes,
		ConnectionState,
		Reconnects,
		HeartbeatTimeouts,
		UnreadMessages,
		Uploads,
		UploadLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
