package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName names the gateway in exported traces.
const DefaultServiceName = "campusgate"

// TraceConfig selects where spans go. Without an Endpoint spans are created
// but never exported.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is an OTLP/gRPC collector address such as "localhost:4317".
	Endpoint string
	// SamplingRate is the fraction of root traces kept; 0 means all.
	SamplingRate float64
	// Attributes are added to the exported resource.
	Attributes map[string]string
	// EnableInsecure dials the collector without TLS.
	EnableInsecure bool
}

// SpanOptions sets the kind and initial attributes of a span.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// Tracer opens the gateway's spans: a server span per HTTP request and per
// chat turn, and a client span per agent runtime call.
type Tracer struct {
	tracer  trace.Tracer
	service string
}

// NewTracer builds a tracer from cfg. The returned func flushes and stops
// the exporter; it is a no-op when nothing is exported. An exporter that
// cannot be created degrades to the no-op tracer.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return NewTracerWithProvider(otel.GetTracerProvider(), cfg.ServiceName), noop
	}

	provider, err := exportingProvider(cfg)
	if err != nil {
		otel.Handle(fmt.Errorf("otlp exporter disabled: %w", err))
		return NewTracerWithProvider(otel.GetTracerProvider(), cfg.ServiceName), noop
	}
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTracerWithProvider(provider, cfg.ServiceName), provider.Shutdown
}

// NewTracerWithProvider wraps an existing provider, e.g. an in-memory
// recorder in tests.
func NewTracerWithProvider(provider trace.TracerProvider, service string) *Tracer {
	return &Tracer{tracer: provider.Tracer(service), service: service}
}

func exportingProvider(cfg TraceConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SamplingRate))),
	), nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span. Only the first SpanOptions is used.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	if len(opts) == 0 {
		return t.tracer.Start(ctx, name)
	}
	start := []trace.SpanStartOption{trace.WithAttributes(opts[0].Attributes...)}
	if opts[0].Kind != trace.SpanKindUnspecified {
		start = append(start, trace.WithSpanKind(opts[0].Kind))
	}
	return t.tracer.Start(ctx, name, start...)
}

// TraceHTTPRequest opens the server span of an inbound request.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.Start(ctx, method+" "+route, SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		},
	})
}

// TraceRuntimeCall opens the client span of one agent runtime call.
func (t *Tracer) TraceRuntimeCall(ctx context.Context, operation string) (context.Context, trace.Span) {
	return t.Start(ctx, "runtime."+operation, SpanOptions{
		Kind:       trace.SpanKindClient,
		Attributes: []attribute.KeyValue{attribute.String("runtime.operation", operation)},
	})
}

// RecordError marks span failed. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets alternating key/value pairs on span. Pairs whose key is
// not a string are dropped.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	span.SetAttributes(attributesFromPairs(keyvals)...)
}

// AddEvent adds a named event with key/value pairs to span.
func (t *Tracer) AddEvent(span trace.Span, name string, keyvals ...any) {
	span.AddEvent(name, trace.WithAttributes(attributesFromPairs(keyvals)...))
}

// ExtractContext reads inbound trace context, e.g. from
// propagation.HeaderCarrier(r.Header).
func (t *Tracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// GetTraceID returns the active trace id, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func attributesFromPairs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
		}
	}
	return attrs
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
