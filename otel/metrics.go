package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/trialflow/runtime"
)

// MetricsHandler translates TrialFlow runtime events into OpenTelemetry metrics.
// It counts sessions by outcome, records session durations and tracks how
// often profiles go back to the pool.
type MetricsHandler struct {
	sessionsStarted  metric.Int64Counter
	sessionsEnded    metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	profilesAssigned metric.Int64Counter
	profilesReturned metric.Int64Counter
	timeoutsSwept    metric.Int64Counter
	runsCompleted    metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording TrialFlow runtime metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	started, err := meter.Int64Counter("trialflow.session.started",
		metric.WithDescription("Number of participant sessions admitted"),
	)
	if err != nil {
		return nil, err
	}

	ended, err := meter.Int64Counter("trialflow.session.ended",
		metric.WithDescription("Number of participant sessions ended, by final state"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("trialflow.session.duration",
		metric.WithDescription("Duration of participant sessions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	assigned, err := meter.Int64Counter("trialflow.profile.assigned",
		metric.WithDescription("Number of profiles taken from the pool"),
	)
	if err != nil {
		return nil, err
	}

	returned, err := meter.Int64Counter("trialflow.profile.returned",
		metric.WithDescription("Number of profiles returned to the pool"),
	)
	if err != nil {
		return nil, err
	}

	swept, err := meter.Int64Counter("trialflow.monitor.timeouts",
		metric.WithDescription("Number of sessions timed out by the monitor"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter("trialflow.run.completed",
		metric.WithDescription("Number of runs whose profile pool was exhausted"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		sessionsStarted:  started,
		sessionsEnded:    ended,
		sessionDuration:  duration,
		profilesAssigned: assigned,
		profilesReturned: returned,
		timeoutsSwept:    swept,
		runsCompleted:    completed,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	run := metric.WithAttributes(attribute.String("run_id", e.RunID))

	switch e.Kind {
	case runtime.EventInstanceCreated:
		h.sessionsStarted.Add(ctx, 1, run)
	case runtime.EventInstanceEnded:
		attrs := metric.WithAttributes(
			attribute.String("run_id", e.RunID),
			attribute.String("state", string(e.State)),
		)
		h.sessionsEnded.Add(ctx, 1, attrs)
		h.sessionDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventProfileAssigned:
		h.profilesAssigned.Add(ctx, 1, run)
	case runtime.EventProfileReturned:
		h.profilesReturned.Add(ctx, 1, run)
	case runtime.EventMonitorSwept:
		if n, ok := e.Payload["timed_out"].(int); ok {
			h.timeoutsSwept.Add(ctx, int64(n), run)
		}
	case runtime.EventRunComplete:
		h.runsCompleted.Add(ctx, 1, run)
	}
}
