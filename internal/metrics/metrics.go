package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "torrentd"

var (
	WireBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wire",
		Name:      "bytes_sent_total",
		Help:      "Total framed bytes written to RPC connections.",
	})

	WireBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wire",
		Name:      "bytes_received_total",
		Help:      "Total bytes read from RPC connections.",
	})

	WireFramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wire",
		Name:      "frames_dropped_total",
		Help:      "Frames discarded by the decoder, by reason.",
	}, []string{"reason"})

	RPCCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "RPC calls handled by method and outcome.",
	}, []string{"method", "outcome"})

	RPCCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "RPC call handling time in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method"})

	RPCSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "sessions",
		Help:      "Number of connected RPC sessions.",
	})

	RPCEventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "events_emitted_total",
		Help:      "Events delivered to sessions by event name.",
	}, []string{"event"})

	ComponentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "component",
		Name:      "transitions_total",
		Help:      "Component state transitions by component and target state.",
	}, []string{"component", "state"})

	ComponentHookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "component",
		Name:      "hook_failures_total",
		Help:      "Failed component hooks by component and hook.",
	}, []string{"component", "hook"})

	SessionProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessionproxy",
		Name:      "requests_total",
		Help:      "Status lookups served by the session proxy, by result (hit or fetch).",
	}, []string{"result"})

	SessionProxyTorrents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessionproxy",
		Name:      "torrents",
		Help:      "Torrents currently held in the session proxy cache.",
	})

	Torrents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "torrents",
		Help:      "Torrents known to the daemon by state.",
	}, []string{"state"})

	DownloadRateBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "download_rate_bytes",
		Help:      "Aggregate payload download rate in bytes per second.",
	})

	UploadRateBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upload_rate_bytes",
		Help:      "Aggregate payload upload rate in bytes per second.",
	})

	ConfigSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "config",
		Name:      "saves_total",
		Help:      "Config store save attempts by outcome (written, unchanged, failed).",
	}, []string{"outcome"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "ws_clients",
		Help:      "Connected WebSocket event subscribers.",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		WireBytesSent,
		WireBytesReceived,
		WireFramesDropped,
		RPCCallsTotal,
		RPCCallDuration,
		RPCSessions,
		RPCEventsEmitted,
		ComponentTransitions,
		ComponentHookFailures,
		SessionProxyRequests,
		SessionProxyTorrents,
		Torrents,
		DownloadRateBytes,
		UploadRateBytes,
		ConfigSaves,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WSClients,
	)
}
