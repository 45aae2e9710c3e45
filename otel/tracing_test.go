package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/trialflow/core"
	tfotel "github.com/petal-labs/trialflow/otel"
	"github.com/petal-labs/trialflow/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func sessionEvent(kind runtime.EventKind, sid string, st core.State, at time.Time) runtime.Event {
	return runtime.NewEvent(kind, "run-1").WithSession(sid, st, 1).WithTime(at)
}

func TestTracingHandler_RunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := tfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1").
		WithTime(now).
		WithPayload("mode", "replicate").
		WithPayload("replicate", "run-0"))
	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}
	h.Handle(runtime.NewEvent(runtime.EventRunComplete, "run-1").WithTime(now.Add(time.Second)))
	h.Handle(runtime.NewEvent(runtime.EventRunFinished, "run-1").
		WithTime(now.Add(2 * time.Second)).
		WithPayload("terminated", 0))

	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span still active after run.finished")
	}
	span := findSpan(exporter.GetSpans(), "run:run-1")
	if span == nil {
		t.Fatal("run span not exported")
	}
	attrs := map[string]string{}
	for _, a := range span.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["trialflow.run_id"] != "run-1" || attrs["trialflow.run_mode"] != "replicate" || attrs["trialflow.replicate"] != "run-0" {
		t.Errorf("run span attributes = %v", attrs)
	}
	if len(span.Events) != 1 || span.Events[0].Name != string(runtime.EventRunComplete) {
		t.Errorf("run span events = %v", span.Events)
	}
}

func TestTracingHandler_SessionSpanIsChildOfRun(t *testing.T) {
	exporter, tp := newTestTracer()
	h := tfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1").WithTime(now))
	h.Handle(sessionEvent(runtime.EventInstanceCreated, "s1", core.StateActive, now))
	h.Handle(sessionEvent(runtime.EventProfileAssigned, "s1", core.StateActive, now).WithPayload("profile", "A/abc"))
	h.Handle(sessionEvent(runtime.EventInstanceUpdated, "s1", core.StateActive, now))
	if !h.ActiveSessionSpanContext("run-1", "s1").IsValid() {
		t.Fatal("expected valid session span context")
	}
	h.Handle(sessionEvent(runtime.EventInstanceEnded, "s1", core.StateComplete, now.Add(time.Minute)))

	span := findSpan(exporter.GetSpans(), "session:s1")
	if span == nil {
		t.Fatal("session span not exported")
	}
	runSC := h.ActiveRunSpanContext("run-1")
	if span.Parent.SpanID() != runSC.SpanID() {
		t.Error("session span is not a child of the run span")
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
	if len(span.Events) != 2 {
		t.Errorf("session span events = %d, want 2", len(span.Events))
	}
}

func TestTracingHandler_IncompleteSessionIsError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := tfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(sessionEvent(runtime.EventInstanceCreated, "s1", core.StateActive, now))
	h.Handle(sessionEvent(runtime.EventInstanceEnded, "s1", core.StateTimedOut, now))

	span := findSpan(exporter.GetSpans(), "session:s1")
	if span == nil {
		t.Fatal("session span not exported")
	}
	if span.Status.Code != otelcodes.Error || span.Status.Description != string(core.StateTimedOut) {
		t.Errorf("status = %v %q", span.Status.Code, span.Status.Description)
	}
}

func TestTracingHandler_RunFinishedEndsOpenSessions(t *testing.T) {
	exporter, tp := newTestTracer()
	h := tfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1").WithTime(now))
	h.Handle(sessionEvent(runtime.EventInstanceCreated, "s1", core.StateActive, now))
	h.Handle(runtime.NewEvent(runtime.EventRunFinished, "run-1").WithTime(now))

	if h.ActiveSessionSpanContext("run-1", "s1").IsValid() {
		t.Error("session span still active after run.finished")
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("exported spans = %d, want 2", got)
	}
}

func TestTracingHandler_SessionEventWithoutSpanIsIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := tfotel.NewTracingHandler(tp.Tracer("test"))
	h.Handle(sessionEvent(runtime.EventInstanceUpdated, "ghost", core.StateActive, time.Now()))
	h.Handle(sessionEvent(runtime.EventInstanceEnded, "ghost", core.StateComplete, time.Now()))
	if got := len(exporter.GetSpans()); got != 0 {
		t.Errorf("exported spans = %d, want 0", got)
	}
}
