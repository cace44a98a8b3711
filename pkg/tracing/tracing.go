package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "partymesh"

// Provider owns the SDK tracer provider when tracing is enabled. The zero
// value is a no-op.
type Provider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	JaegerURL   string
	// Room is attached to every span of this process; one process joins
	// one room.
	Room       string
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "partymesh",
		Version:     "dev",
		JaegerURL:   "http://localhost:14268/api/traces",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-backed provider as the global one.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	return install(cfg, tracesdk.WithBatcher(exp))
}

func install(cfg Config, opts ...tracesdk.TracerProviderOption) (*Provider, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
	}
	if cfg.Room != "" {
		attrs = append(attrs, RoomKey.String(cfg.Room))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	opts = append(opts,
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	tp := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

var (
	RoomKey       = attribute.Key("room.id")
	PeerIDKey     = attribute.Key("peer.id")
	RemotePeerKey = attribute.Key("peer.remote")
	BackendKey    = attribute.Key("rendezvous.backend")
	StatusCodeKey = attribute.Key("http.status_code")
	DurationKey   = attribute.Key("duration_ms")
)

func start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// TraceHTTPRequest opens a server span for one control API request.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceRendezvous opens a client span for one call against the rendezvous
// backend (directory or signal mailbox).
func TraceRendezvous(ctx context.Context, backend, op, room string) (context.Context, trace.Span) {
	return start(ctx, "rendezvous."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			BackendKey.String(backend),
			RoomKey.String(room),
		),
	)
}

// TraceWebRTC opens a span for one SDP exchange step with a remote peer.
func TraceWebRTC(ctx context.Context, step, self, remote string) (context.Context, trace.Span) {
	return start(ctx, "webrtc."+step,
		trace.WithAttributes(
			PeerIDKey.String(self),
			RemotePeerKey.String(remote),
		),
	)
}

// End records err, if any, on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
