// Package otel provides OpenTelemetry integration for TrialFlow runtime events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/runtime"
)

// TracingHandler translates TrialFlow runtime events into OpenTelemetry spans.
// A run span lasts from run.started to run.finished; every participant
// session gets a child span from instance.created to instance.ended.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	runSpans     map[string]trace.Span      // runID -> span
	runCtxs      map[string]context.Context // runID -> context (for child spans)
	sessionSpans map[string]trace.Span      // runID:sessionID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		runSpans:     make(map[string]trace.Span),
		runCtxs:      make(map[string]context.Context),
		sessionSpans: make(map[string]trace.Span),
	}
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventInstanceCreated:
		h.handleInstanceCreated(e)
	case runtime.EventInstanceUpdated, runtime.EventProfileAssigned, runtime.EventProfileReturned:
		h.handleSessionEvent(e)
	case runtime.EventInstanceEnded:
		h.handleInstanceEnded(e)
	case runtime.EventRunComplete:
		h.handleRunEvent(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func sessionKey(runID, sessionID string) string {
	return runID + ":" + sessionID
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("trialflow.run_id", e.RunID),
			attribute.String("trialflow.run_mode", e.PayloadString("mode")),
		),
		trace.WithTimestamp(e.Time),
	)
	if src := e.PayloadString("replicate"); src != "" {
		span.SetAttributes(attribute.String("trialflow.replicate", src))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleInstanceCreated creates a session span under the run span.
func (h *TracingHandler) handleInstanceCreated(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "session:"+e.SessionID,
		trace.WithAttributes(
			attribute.String("trialflow.run_id", e.RunID),
			attribute.String("trialflow.session_id", e.SessionID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.sessionSpans[sessionKey(e.RunID, e.SessionID)] = span
	h.mu.Unlock()
}

// handleSessionEvent adds a span event to the session span.
func (h *TracingHandler) handleSessionEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionKey(e.RunID, e.SessionID)]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("trialflow.task_id", e.TaskID),
	}
	if p := e.PayloadString("profile"); p != "" {
		attrs = append(attrs, attribute.String("trialflow.profile", p))
		if e.Kind == runtime.EventProfileAssigned {
			span.SetAttributes(attribute.String("trialflow.profile", p))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleInstanceEnded ends the session span. Sessions that did not
// finish for a reason of their own are marked as errors.
func (h *TracingHandler) handleInstanceEnded(e runtime.Event) {
	key := sessionKey(e.RunID, e.SessionID)

	h.mu.Lock()
	span, ok := h.sessionSpans[key]
	if ok {
		delete(h.sessionSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("trialflow.state", string(e.State)),
		attribute.Int("trialflow.task_id", e.TaskID),
		attribute.String("trialflow.duration", e.Elapsed.String()),
	)
	switch e.State {
	case core.StateComplete, core.StateConsentDeclined:
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, string(e.State))
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleRunEvent adds a span event to the run span.
func (h *TracingHandler) handleRunEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()

	if ok {
		span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time))
	}
}

// handleRunFinished ends the root run span together with any session span
// still open under it.
func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	var orphans []trace.Span
	prefix := e.RunID + ":"
	for key, s := range h.sessionSpans {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			orphans = append(orphans, s)
			delete(h.sessionSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "run finished")
		s.End(trace.WithTimestamp(e.Time))
	}
	if ok {
		if n, found := e.Payload["terminated"]; found {
			if count, ok := n.(int); ok {
				span.SetAttributes(attribute.Int("trialflow.terminated", count))
			}
		}
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveSessionSpanContext returns the SpanContext for the active session
// span identified by runID and sessionID. Returns an empty SpanContext if
// not found.
func (h *TracingHandler) ActiveSessionSpanContext(runID, sessionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionKey(runID, sessionID)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}
