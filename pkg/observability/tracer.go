package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig is the minimal shape InitGlobalTracer/GetTracer need; kept
// for callers outside Manager that want the global-provider shortcut
// instead of an owned Tracer.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"`
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// InitGlobalTracer installs a process-wide TracerProvider and returns it.
// Most callers should go through Manager/Tracer instead; this remains for
// code that only needs otel.Tracer(name) without a Manager in hand.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.EndpointURL),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// tracerOptions configures NewTracer; set via TracerOption functional
// options (the same shape as config.WithOnChange for config.Loader).
type tracerOptions struct {
	debugExporter   *DebugExporter
	capturePayloads bool
}

type TracerOption func(*tracerOptions)

// WithDebugExporter attaches an in-memory span recorder alongside whatever
// exporter cfg.Exporter names, for the web-UI span inspector.
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(o *tracerOptions) { o.debugExporter = d }
}

// WithCapturePayloads turns on AddPayload/AddToolPayload recording full
// request/response bodies as span attributes. Off by default: payloads can
// be large and may contain sensitive chat content.
func WithCapturePayloads(capture bool) TracerOption {
	return func(o *tracerOptions) { o.capturePayloads = capture }
}

// Tracer owns one SDK TracerProvider and the span helpers the rest of the
// bot calls at its four instrumentation points (agent run, LLM call, tool
// execution, memory search), mirroring NoopTracer's method set so Manager
// can hand out a real or absent tracer interchangeably.
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	debugExporter   *DebugExporter
	capturePayloads bool
}

// NewTracer builds a Tracer from TracingConfig, choosing an exporter by
// cfg.Exporter ("otlp", "stdout"; "jaeger"/"zipkin" are accepted by
// Validate but routed over the same OTLP/gRPC collector endpoint, since no
// jaeger/zipkin-specific exporter module is part of this stack).
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	var o tracerOptions
	for _, opt := range opts {
		opt(&o)
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: build span exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	}
	if o.debugExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(o.debugExporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return &Tracer{
		provider:        tp,
		tracer:          tp.Tracer(cfg.ServiceName),
		debugExporter:   o.debugExporter,
		capturePayloads: o.capturePayloads,
	}, nil
}

func newSpanExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default: // "otlp", "jaeger", "zipkin"
		dialOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.IsInsecure() {
			dialOpts = append(dialOpts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, dialOpts...)
	}
}

// Start opens a generic span, for call sites with no dedicated Start*
// helper below.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentRun opens the top-level span for one coordinator.execute call.
func (t *Tracer) StartAgentRun(ctx context.Context, callType, identity, requestType, eventID string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, SpanAgentRun, trace.WithAttributes(
		attribute.String(AttrAgentName, callType),
		attribute.String("fabric.identity", identity),
		attribute.String("fabric.request_type", requestType),
		attribute.String(AttrFabricEventID, eventID),
	))
}

// StartLLMCall opens the span around one ModelRequester.Request call.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, maxTokens int) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, SpanLLMCall, trace.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.Int("llm.max_tokens", maxTokens),
	))
}

// StartToolExecution opens the span around one skills.Registry.Execute call.
func (t *Tracer) StartToolExecution(ctx context.Context, kind, name, handlerPath string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, SpanToolExecution, trace.WithAttributes(
		attribute.String(AttrToolName, name),
		attribute.String("fabric.skill_kind", kind),
		attribute.String("fabric.handler_path", handlerPath),
	))
}

// StartMemorySearch opens the span around one cognitive-memory vector
// lookup (historian's profile/event similarity search).
func (t *Tracer) StartMemorySearch(ctx context.Context, collection string, topK int) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, SpanMemorySearch, trace.WithAttributes(
		attribute.String("fabric.collection", collection),
		attribute.Int("fabric.top_k", topK),
	))
}

// AddLLMUsage records token accounting on an in-flight LLM call span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Int(AttrLLMTokensOutput, outputTokens),
	)
}

// AddLLMFinishReason records why the model stopped generating.
func (t *Tracer) AddLLMFinishReason(span trace.Span, reason string) {
	if span == nil || reason == "" {
		return
	}
	span.SetAttributes(attribute.String("llm.finish_reason", reason))
}

// AddPayload attaches a request/response body to span, gated on
// capturePayloads since chat content may be sensitive.
func (t *Tracer) AddPayload(span trace.Span, key, value string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.SetAttributes(attribute.String(key, value))
}

// AddToolPayload attaches tool call arguments/results to span, same gating
// as AddPayload.
func (t *Tracer) AddToolPayload(span trace.Span, key, value string) {
	t.AddPayload(span, key, value)
}

// RecordError marks span as failed and attaches err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, err.Error()))
}

// DebugExporter returns the in-memory span recorder, or nil if none was
// configured.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// noopSpan returns a span that discards everything written to it, for
// call sites that received a nil Tracer (tracing disabled).
func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
