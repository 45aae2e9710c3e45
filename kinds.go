package trialflow

import "github.com/petal-labs/trialflow/core"

// Render variables set by task kinds.
const (
	VarProgbarEnabled = "exp_progbar_enabled"
	VarNoReturnTask   = "exp_no_return_task"
	VarTaskType       = "task_type"
)

type kindBehavior struct {
	noProgbar bool
	noReturn  bool
	// incomplete pages end a session early and are never left.
	incomplete bool
	dummy      any
}

var kindBehaviors = map[core.TaskKind]kindBehavior{
	core.TaskKindWelcome:    {noProgbar: true},
	core.TaskKindConsent:    {noProgbar: true},
	core.TaskKindPage:       {},
	core.TaskKindSoundcheck: {},
	core.TaskKindThankyou:   {noReturn: true},
	core.TaskKindTimedOut:   {noProgbar: true, noReturn: true, incomplete: true},
	core.TaskKindTerminated: {noProgbar: true, noReturn: true, incomplete: true},
	core.TaskKindReturned:   {noProgbar: true, noReturn: true, incomplete: true},
	core.TaskKindNonConsent: {noProgbar: true, noReturn: true, incomplete: true},
}

func behaviorOf(k core.TaskKind) kindBehavior {
	return kindBehaviors[k]
}

// renderFlags adds the kind's render variables to vars.
func renderFlags(k core.TaskKind, vars map[string]any) {
	b := behaviorOf(k)
	if b.noProgbar {
		vars[VarProgbarEnabled] = false
	}
	if b.noReturn {
		vars[VarNoReturnTask] = true
	}
}

// endPage returns the incomplete page shown after a terminal transition.
func endPage(st core.State) TaskSpec {
	switch st {
	case core.StateTimedOut:
		return incomplete(core.TaskKindTimedOut)
	case core.StateReturned:
		return incomplete(core.TaskKindReturned)
	case core.StateConsentDeclined:
		return incomplete(core.TaskKindNonConsent)
	default:
		return incomplete(core.TaskKindTerminated)
	}
}
