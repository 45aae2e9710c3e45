package bus

import (
	"context"

	"github.com/petal-labs/trialflow/runtime"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns a run's events in sequence order with Seq > afterSeq,
	// at most limit of them (0 means no limit).
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// SessionEvents returns the events of one participant session of a
	// run in sequence order.
	SessionEvents(ctx context.Context, runID, sessionID string) ([]runtime.Event, error)
}
