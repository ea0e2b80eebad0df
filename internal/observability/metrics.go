package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// It satisfies the recorder interfaces of the supervisor, the provider
// store and the session proxy so each component can report without
// importing Prometheus directly.
type Metrics struct {
	// RuntimeSpawns counts runtime launch attempts.
	// Labels: result (ready|startup_timeout|process_exited|port_unavailable|error)
	RuntimeSpawns *prometheus.CounterVec

	// RuntimeStartupDuration measures time from spawn to readiness in seconds.
	// Labels: result
	RuntimeStartupDuration *prometheus.HistogramVec

	// ConfigSyncs counts provider store operations pushed to the runtime.
	// Labels: op (add|connect|disconnect), result (success|failure)
	ConfigSyncs *prometheus.CounterVec

	// TurnCounter counts proxied chat turns.
	// Labels: outcome (completed|assistant_error|timeout|canceled|invalid|runtime_unavailable|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures chat turn latency in seconds.
	// Labels: outcome
	TurnDuration *prometheus.HistogramVec

	// StreamEvents counts events emitted to clients.
	// Labels: type (meta|delta|tool|assistant_error|error|done)
	StreamEvents *prometheus.CounterVec

	// ActiveTurns tracks turns currently streaming.
	ActiveTurns prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// RateLimited counts requests rejected by the rate limiter.
	// Labels: path
	RateLimited *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the gateway metrics and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RuntimeSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_runtime_spawns_total",
				Help: "Total number of runtime launch attempts by result",
			},
			[]string{"result"},
		),

		RuntimeStartupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusgate_runtime_startup_duration_seconds",
				Help:    "Time from runtime spawn to readiness in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"result"},
		),

		ConfigSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_config_syncs_total",
				Help: "Total number of tool provider sync operations by op and result",
			},
			[]string{"op", "result"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_turns_total",
				Help: "Total number of chat turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusgate_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_stream_events_total",
				Help: "Total number of stream events sent to clients by type",
			},
			[]string{"type"},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusgate_active_turns",
				Help: "Current number of chat turns in flight",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status_code"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"path"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordRuntimeSpawn records one runtime launch attempt.
func (m *Metrics) RecordRuntimeSpawn(result string, durationSeconds float64) {
	m.RuntimeSpawns.WithLabelValues(result).Inc()
	m.RuntimeStartupDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordConfigSync records a provider store operation.
func (m *Metrics) RecordConfigSync(op, result string) {
	m.ConfigSyncs.WithLabelValues(op, result).Inc()
}

// TurnStarted increments the in-flight turn gauge.
func (m *Metrics) TurnStarted() {
	m.ActiveTurns.Inc()
}

// RecordTurn records a finished chat turn and decrements the in-flight gauge.
func (m *Metrics) RecordTurn(outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
	m.ActiveTurns.Dec()
}

// RecordStreamEvent counts one event written to a client stream.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request with its status and latency.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, durationSeconds float64) {
	code := strconv.Itoa(statusCode)
	m.HTTPRequestCounter.WithLabelValues(method, path, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(durationSeconds)
}

// RecordRateLimited counts a request rejected with 429.
func (m *Metrics) RecordRateLimited(path string) {
	m.RateLimited.WithLabelValues(path).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
