package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/trialflow/bus"
	trialotel "github.com/petal-labs/trialflow/otel"
	"github.com/petal-labs/trialflow/runtime"
)

// telemetry holds the OpenTelemetry providers of a serve process and the
// event emitter that feeds them.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	dashboard      *bus.ThrottledEmitter
	emit           runtime.EventEmitter
}

// setupTelemetry installs global tracer and meter providers and returns an
// emitter that records every event in the store, publishes it on the bus
// and derives spans and metrics from it. Session updates reach the bus at
// most once per coalesce interval per session. With an OTLP endpoint, spans
// are exported over HTTP; without one they only enrich events with trace ids.
func setupTelemetry(ctx context.Context, endpoint string, coalesce time.Duration, store bus.EventStore, eb bus.EventBus) (*telemetry, error) {
	var tpOpts []sdktrace.TracerProviderOption
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	mp := sdkmetric.NewMeterProvider()
	otelapi.SetTracerProvider(tp)
	otelapi.SetMeterProvider(mp)

	metrics, err := trialotel.NewMetricsHandler(mp.Meter("trialflow"))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	tracing := trialotel.NewTracingHandler(tp.Tracer("trialflow"))

	// Spans open before the emitter reads their ids; the store and bus see
	// enriched events.
	dashboard := bus.NewThrottledEmitter(runtime.EventEmitter(runtime.PublisherHandler(eb)), bus.ThrottleConfig{
		CoalesceInterval: coalesce,
	})
	sink := runtime.MultiEventHandler(
		bus.NewStoreSubscriber(store, nil).Handle,
		dashboard.Emit,
	)
	enriched := trialotel.EnrichEmitter(runtime.EventEmitter(sink), tracing)
	emit := func(e runtime.Event) {
		tracing.Handle(e)
		metrics.Handle(e)
		enriched(e)
	}

	return &telemetry{tracerProvider: tp, meterProvider: mp, dashboard: dashboard, emit: emit}, nil
}

// Shutdown flushes pending dashboard updates and stops both providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	t.dashboard.Close()
	return errors.Join(t.tracerProvider.Shutdown(ctx), t.meterProvider.Shutdown(ctx))
}
