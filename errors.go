package trialflow

import "errors"

var (
	// ErrExperimentFull is returned when no profile is left for a new
	// participant. Transports render an "experiment full" page.
	ErrExperimentFull = errors.New("trialflow: experiment full")

	// ErrAlreadyParticipated is returned when server-side records show the
	// participant already completed the current run.
	ErrAlreadyParticipated = errors.New("trialflow: already participated")

	// ErrNoRun is returned when no run is accepting participants.
	ErrNoRun = errors.New("trialflow: no active run")

	// ErrNoBundle is returned by Host when no bundle is loaded.
	ErrNoBundle = errors.New("trialflow: no bundle loaded")

	// ErrBadBranch is returned when a response does not select one of a
	// task's successors.
	ErrBadBranch = errors.New("trialflow: response does not select a successor")

	// ErrNoSuchTask is returned by navigation to a task that does not exist.
	ErrNoSuchTask = errors.New("trialflow: no such task")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("trialflow: session not found")

	// ErrToolModeOnly is returned by backward and direct navigation outside
	// tool mode.
	ErrToolModeOnly = errors.New("trialflow: navigation requires tool mode")

	// ErrGraph wraps task graph construction errors.
	ErrGraph = errors.New("trialflow: invalid task graph")
)
