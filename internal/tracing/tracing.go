package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/uriafranko/clawdbot/internal/config"
)

// Provider wraps the OTLP tracer provider. Disabled tracing yields a
// noop tracer so call sites never branch on configuration.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func NewProvider(ctx context.Context, cfg config.TracingConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("clawdbot")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "clawdbot"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider, tracer: provider.Tracer("clawdbot")}, nil
}

// Tracer returns the underlying tracer. Safe on a nil Provider, which
// behaves like a disabled one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("clawdbot")
	}
	return p.tracer
}

// Shutdown flushes pending spans; nil and noop providers return nil.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p != nil && p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan opens a span with the given attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names for the agent pipeline.
const (
	SpanAgentTurn   = "clawdbot.agent.turn"
	SpanModelCall   = "clawdbot.model.call"
	SpanToolExecute = "clawdbot.tool.execute"
)

// Attribute keys.
const (
	AttrSessionKey   = "clawdbot.session_key"
	AttrChannel      = "clawdbot.channel"
	AttrProvider     = "clawdbot.provider"
	AttrModel        = "clawdbot.model"
	AttrToolName     = "clawdbot.tool_name"
	AttrInputTokens  = "clawdbot.input_tokens"
	AttrOutputTokens = "clawdbot.output_tokens"
)

func TurnAttrs(sessionKey, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionKey, sessionKey),
		attribute.String(AttrChannel, channel),
	}
}

func ModelAttrs(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
	}
}

func ToolAttrs(name string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrToolName, name)}
}

func UsageAttrs(inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
	}
}

// RecordError marks the span failed and attaches the error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
