// Package bus distributes engine events to observers. The engine publishes
// session and run changes; the dashboard stream, the event store and the
// telemetry handlers subscribe without the engine knowing about them.
package bus

import "github.com/petal-labs/trialflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to the subscribers of its run.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for the events of one run; an empty
	// runID subscribes to every run. The subscription must be closed.
	Subscribe(runID string) Subscription

	// Close ends all subscriptions.
	Close() error
}

// Subscription receives events until it or its bus is closed.
type Subscription interface {
	Events() <-chan runtime.Event
	Close() error
}
