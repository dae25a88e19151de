package observability

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/stagehand"

// TracerProvider owns the process-wide span pipeline installed by the CLI.
type TracerProvider struct {
	sdk *sdktrace.TracerProvider
}

// NewTracerProvider exports every span to w as it ends and installs itself
// as the global provider. Spans are exported synchronously so a short CLI
// run loses nothing when it exits.
func NewTracerProvider(serviceName, version string, w io.Writer) (*TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
		semconv.TelemetrySDKLanguageKey.String("go"),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &TracerProvider{sdk: tp}, nil
}

// Shutdown flushes and stops the pipeline.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.sdk.Shutdown(ctx)
}

// StartSpan opens a client span on the global provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithSpanKind(trace.SpanKindClient))
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attribute keys.
var (
	AttrOpID        = attribute.Key("stagehand.op.id")
	AttrOpKind      = attribute.Key("stagehand.op.kind")
	AttrSessionID   = attribute.Key("stagehand.session.id")
	AttrTransport   = attribute.Key("stagehand.transport")
	AttrEnvelopes   = attribute.Key("stagehand.envelopes")
	AttrOutcome     = attribute.Key("stagehand.outcome")
	AttrErrorCode   = attribute.Key("stagehand.error.code")
	AttrEndForced   = attribute.Key("stagehand.end.forced")
	AttrDestination = attribute.Key("stagehand.destination")
)
