// Package observability wires optional OTel tracing and metrics around
// the dispatcher's agent-invocation boundary (§4 supplemented features).
// It is deliberately narrow: the queue bus itself (claim/write/rename)
// is never instrumented here — only the one place the teacher always
// wraps in a span, the call out to an LLM-backed agent.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/eunjae-lee/tinyclaw/dispatcher"

// Instruments holds the tracer and counters used around each invocation.
type Instruments struct {
	Tracer      trace.Tracer
	Invocations metric.Int64Counter
	Failures    metric.Int64Counter
}

// Init installs process-wide no-exporter TracerProvider/MeterProvider
// (spans and metrics are collected in-process but not shipped anywhere;
// no exporter is configured, from env vars or otherwise) and returns the
// Instruments plus a shutdown func. Passing a nil
// *Instruments to dispatcher.Dispatcher disables instrumentation
// entirely — this is opt-in, not required for the bus to function.
func Init() (*Instruments, func(context.Context) error, error) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(mp)

	meter := otel.Meter(scopeName)
	invocations, err := meter.Int64Counter("dispatcher.invocations",
		metric.WithDescription("Agent invocations attempted"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: invocations counter: %w", err)
	}
	failures, err := meter.Int64Counter("dispatcher.failures",
		metric.WithDescription("Agent invocations that returned an error"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: failures counter: %w", err)
	}

	inst := &Instruments{
		Tracer:      otel.Tracer(scopeName),
		Invocations: invocations,
		Failures:    failures,
	}
	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
	return inst, shutdown, nil
}

// StartInvocation starts a span named "agent.invoke" with agent/model
// attributes. Safe to call on a nil *Instruments — returns ctx unchanged
// and a no-op span. Always call the returned end func exactly once.
func (i *Instruments) StartInvocation(ctx context.Context, agentID, provider, model string) (context.Context, func(err error)) {
	if i == nil {
		return ctx, func(error) {}
	}
	ctx, span := i.Tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.provider", provider),
		attribute.String("agent.model", model),
	))
	i.Invocations.Add(ctx, 1)
	return ctx, func(err error) {
		if err != nil {
			i.Failures.Add(ctx, 1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
