// Package monitoring provides Prometheus metrics for the protocol server,
// the tool engine, and the sandbox relay.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	// Tool metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal   *prometheus.CounterVec
	NotificationsDropped prometheus.Counter

	// Sandbox relay metrics
	RelayMessages  *prometheus.CounterVec
	RelayDiscarded prometheus.Counter

	// Stream metrics
	StreamsActive prometheus.Gauge
}

// New creates a metrics collector registered on its own registry. Using a
// dedicated registry keeps repeated construction in tests panic-free.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolframe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolframe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolframe_sessions_active",
				Help: "Number of live transport sessions",
			},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolframe_sessions_total",
				Help: "Total sessions created",
			},
		),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolframe_sessions_closed_total",
				Help: "Sessions closed, by cause",
			},
			[]string{"cause"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolframe_tool_calls_total",
				Help: "Tool invocations, by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolframe_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 30},
			},
			[]string{"tool"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolframe_notifications_total",
				Help: "Notifications emitted over session transports, by level",
			},
			[]string{"level"},
		),
		NotificationsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolframe_notifications_dropped_total",
				Help: "Notifications dropped because the event buffer was full",
			},
		),
		RelayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolframe_relay_messages_total",
				Help: "Messages relayed by sandbox proxies, by direction",
			},
			[]string{"direction"},
		),
		RelayDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolframe_relay_discarded_total",
				Help: "Messages discarded because their origin was neither parent nor guest",
			},
		),
		StreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolframe_streams_active",
				Help: "Open SSE notification streams",
			},
		),
	}
}

// NewDefault creates a collector on a fresh registry and returns both.
func NewDefault() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(reg), reg
}
