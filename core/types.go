// Package core provides the foundational types shared by every TrialFlow
// package.
//
// This package contains:
//   - Session states and their result-file suffixes
//   - Task kinds (the closed set of page variants)
//   - Output formats for response files
//   - Run modes (new, resume, replicate)
package core

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a participant session.
// ACTIVE is the only non-terminal state.
type State string

const (
	StateActive          State = "ACTIVE"
	StateConsentDeclined State = "CONSENT_DECLINED"
	StateTimedOut        State = "TIMED_OUT"
	StateComplete        State = "COMPLETE"
	StateTerminated      State = "TERMINATED"
	StateReturned        State = "RETURNED"
)

// String returns the string representation of the State.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s != StateActive
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateConsentDeclined, StateTimedOut,
		StateComplete, StateTerminated, StateReturned:
		return true
	}
	return false
}

// ResultSuffix returns the file-name suffix that encodes s in a result file.
// A normal completion has no suffix.
func (s State) ResultSuffix() string {
	switch s {
	case StateTimedOut:
		return "-timeout"
	case StateTerminated:
		return "-terminated"
	case StateReturned:
		return "-returned"
	default:
		return ""
	}
}

// IncompleteSuffixes lists every suffix marking a result file whose
// participant did not finish.
func IncompleteSuffixes() []string {
	return []string{
		StateTimedOut.ResultSuffix(),
		StateTerminated.ResultSuffix(),
		StateReturned.ResultSuffix(),
	}
}

// TrimResultSuffix strips a state suffix from a result file name and returns
// the subject id and the state the suffix encodes.
func TrimResultSuffix(name string) (string, State) {
	for _, st := range []State{StateTimedOut, StateTerminated, StateReturned} {
		if subj, ok := strings.CutSuffix(name, st.ResultSuffix()); ok {
			return subj, st
		}
	}
	return name, StateComplete
}

// TaskKind identifies the variant of a task page.
// The set is closed; behavior differences live in a dispatch table.
type TaskKind string

const (
	TaskKindWelcome    TaskKind = "welcome"
	TaskKindConsent    TaskKind = "consent"
	TaskKindPage       TaskKind = "page"
	TaskKindSoundcheck TaskKind = "soundcheck"
	TaskKindThankyou   TaskKind = "thankyou"
	TaskKindTimedOut   TaskKind = "timedout"
	TaskKindTerminated TaskKind = "terminated"
	TaskKindReturned   TaskKind = "returned"
	TaskKindNonConsent TaskKind = "nonconsent"
)

// String returns the string representation of the TaskKind.
func (k TaskKind) String() string {
	return string(k)
}

// OutputFormat selects the encoding of response files for a run.
type OutputFormat string

const (
	OutputCSV  OutputFormat = "csv"
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a configured output format name.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputCSV, OutputJSON:
		return f, nil
	case "":
		return OutputCSV, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Extension returns the file extension used for aggregate exports.
func (f OutputFormat) Extension() string {
	return "." + string(f)
}

// RunMode identifies how a run was started.
type RunMode string

const (
	RunModeNew       RunMode = "new"
	RunModeResume    RunMode = "resume"
	RunModeReplicate RunMode = "replicate"
)

// ParseRunMode validates a run mode name. Short forms used on the command
// line ("res", "rep") are accepted.
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "new":
		return RunModeNew, nil
	case "res", "resume":
		return RunModeResume, nil
	case "rep", "replicate":
		return RunModeReplicate, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// Pseudo-response task names recorded ahead of real task responses.
const (
	PseudoSessionID = "SID"
	PseudoUserAgent = "USER_AGENT"
	PseudoIPHash    = "IPHASH"
)

// SessionIDKey is the key of the first entry in every PII mapping file.
const SessionIDKey = "SESSION_ID"

// ConsentDeclined is the response value a consent page submits when the
// participant does not agree.
const ConsentDeclined = "consent_declined"
