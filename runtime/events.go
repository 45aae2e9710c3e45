// Package runtime defines the lifecycle events emitted by the TrialFlow
// engine and the handler plumbing that carries them to observers.
package runtime

import (
	"time"

	"github.com/petal-labs/trialflow/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins accepting participants.
	EventRunStarted EventKind = "run.started"

	// EventRunFinished is emitted when a run is stopped or replaced.
	EventRunFinished EventKind = "run.finished"

	// EventRunComplete is emitted when the profile pool is exhausted and
	// no session is still active.
	EventRunComplete EventKind = "run.complete"

	// EventInstanceCreated is emitted when a participant session is admitted.
	EventInstanceCreated EventKind = "instance.created"

	// EventInstanceUpdated is emitted when an active session advances.
	EventInstanceUpdated EventKind = "instance.updated"

	// EventInstanceEnded is emitted on every terminal transition.
	EventInstanceEnded EventKind = "instance.ended"

	// EventProfileAssigned is emitted when a session takes a profile from the pool.
	EventProfileAssigned EventKind = "profile.assigned"

	// EventProfileReturned is emitted when a profile goes back to the head of the pool.
	EventProfileReturned EventKind = "profile.returned"

	// EventMonitorSwept is emitted after a monitor pass that timed out sessions.
	EventMonitorSwept EventKind = "monitor.swept"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Ends reports whether the event closes an observer stream for its run.
func (k EventKind) Ends() bool {
	return k == EventRunFinished
}

// Event is a structured, streamable record of a session or run change.
// Events should be kept small; responses stay on disk.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// SessionID is the participant session (empty for run-level events).
	SessionID string `json:"sid,omitempty"`

	// State is the session state after the change (empty for run-level events).
	State core.State `json:"state,omitempty"`

	// TaskID is the session's current task id after the change.
	TaskID int `json:"task_id,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Elapsed is the time since the session or run started.
	Elapsed time.Duration `json:"elapsed"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithSession sets the session fields on the event.
func (e Event) WithSession(sessionID string, state core.State, taskID int) Event {
	e.SessionID = sessionID
	e.State = state
	e.TaskID = taskID
	return e
}

// WithTime overrides the event timestamp.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// PayloadString returns a string payload value, or "" when absent.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// PublisherHandler adapts an EventPublisher to an EventHandler.
func PublisherHandler(p EventPublisher) EventHandler {
	if p == nil {
		return nil
	}
	return p.Publish
}
