// Package metrics provides Prometheus instrumentation for the Parley chat
// application. It exposes counters for frame traffic on both ends of the
// connection, gauges for connection counts, and histograms for delivery
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections on the server.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// FramesTotal counts frames processed by the server, labeled by
	// direction ("in", "out") and frame type.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_frames_total",
		Help: "Total number of WebSocket frames processed",
	}, []string{"direction", "type"})

	// DeliveryLatency records the time from receiving a message frame to
	// writing the fan-out frames, in seconds.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_delivery_latency_seconds",
		Help:    "Message fan-out latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveUsers tracks the number of authenticated users currently online.
	ActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_users",
		Help: "Current number of authenticated users online",
	})

	// ClientConnects counts connection attempts made by the client core,
	// labeled by outcome ("ok", "error").
	ClientConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_client_connects_total",
		Help: "Total number of client connection attempts",
	}, []string{"outcome"})

	// ClientFramesSent counts frames written by the client core.
	ClientFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_client_frames_sent_total",
		Help: "Total number of frames sent by the client",
	})

	// ClientFramesDropped counts frames the client discarded because the
	// connection was not ready. This counter is the only trace a dropped
	// send leaves.
	ClientFramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_client_frames_dropped_total",
		Help: "Total number of frames dropped while not connected",
	})

	// ClientFramesReceived counts frames processed by the client router,
	// labeled by frame type ("malformed" for undecodable frames).
	ClientFramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_client_frames_received_total",
		Help: "Total number of frames received by the client",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		FramesTotal,
		DeliveryLatency,
		ActiveUsers,
		ClientConnects,
		ClientFramesSent,
		ClientFramesDropped,
		ClientFramesReceived,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
