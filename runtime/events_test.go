package runtime

import (
	"testing"

	"github.com/petal-labs/trialflow/core"
)

func TestNewEvent_InitializesPayload(t *testing.T) {
	e := NewEvent(EventRunStarted, "run-1")
	if e.Kind != EventRunStarted || e.RunID != "run-1" {
		t.Fatalf("NewEvent() = %+v", e)
	}
	if e.Payload == nil {
		t.Fatal("Payload is nil")
	}
	if e.Time.IsZero() {
		t.Fatal("Time is zero")
	}
}

func TestEvent_WithSessionAndPayload(t *testing.T) {
	e := Event{Kind: EventInstanceUpdated}.
		WithSession("sid-1", core.StateActive, 3).
		WithPayload("profile", "A/abcdef")

	if e.SessionID != "sid-1" || e.State != core.StateActive || e.TaskID != 3 {
		t.Fatalf("session fields = %q %q %d", e.SessionID, e.State, e.TaskID)
	}
	if got := e.PayloadString("profile"); got != "A/abcdef" {
		t.Fatalf("PayloadString(profile) = %q", got)
	}
	if got := e.PayloadString("missing"); got != "" {
		t.Fatalf("PayloadString(missing) = %q, want empty", got)
	}
}

func TestMultiEventHandler_SkipsNil(t *testing.T) {
	var count int
	h := MultiEventHandler(nil, func(Event) { count++ }, nil, func(Event) { count++ })
	h(NewEvent(EventInstanceCreated, "run-1"))
	if count != 2 {
		t.Fatalf("handlers called %d times, want 2", count)
	}
}

func TestEventKind_Ends(t *testing.T) {
	if !EventRunFinished.Ends() {
		t.Fatal("run.finished should end streams")
	}
	if EventRunComplete.Ends() {
		t.Fatal("run.complete should not end streams")
	}
}
