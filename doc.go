// Package trialflow runs online behavioral experiments.
//
// An Experiment names its conditions and builds a task graph for every
// participant. The Engine owns one run at a time: it assigns each admitted
// session a profile from the run's pool, walks the session through its
// graph, writes the responses when the session ends and returns unused
// profiles to the head of the pool. Run records make every run resumable.
//
// Basic usage:
//
//	e, err := trialflow.NewEngine(trialflow.Config{
//		Experiment: exp,
//		Layout:     record.NewLayout(bundleDir),
//	})
//	if err != nil {
//		return err
//	}
//	if _, err := e.StartRun(ctx, trialflow.RunOptions{}); err != nil {
//		return err
//	}
//	inst, err := e.Enter(clientIP, args, sessionID)
//	view, err := inst.NextTask(resp)
//
// A Host wraps the engine of a loaded bundle together with its Monitor,
// which times out inactive sessions in the background.
package trialflow
