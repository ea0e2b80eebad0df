// Package observability provides the gateway's logging, metrics, tracing
// and turn journal.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (API keys,
// bearer tokens, JWTs, passwords) from messages and attribute values, and
// copies request_id, session_id and user_id from the context onto every
// record logged with a *Context method:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRequestID(ctx, requestID)
//	logger.InfoContext(ctx, "turn started", "provider_count", n)
//
// Components derive their own logger with logger.With("component", name).
//
// # Metrics
//
// Metrics wraps the Prometheus collectors. It implements the recorder
// interfaces declared by the supervisor, the provider store and the
// session proxy:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordTurn("completed", time.Since(start).Seconds())
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// is a no-op otherwise. Trace context is propagated to the agent runtime in
// W3C traceparent headers.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{Endpoint: "localhost:4317"})
//	defer shutdown(context.Background())
//
// # Journal
//
// EventRecorder keeps a bounded in-memory history of turn and tool events
// per chat session, served as a Timeline for debugging.
package observability
