// Package profile creates, persists and pools participant profiles.
//
// A profile is one participant slot: a condition, a subject id unique within
// that condition, and the per-subject ordering material the experiment
// generated for it. Profiles live one file per profile under
// <dir>/<condition>/<subjectId>, one ordering item per line.
package profile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadName is returned when a fully qualified profile name is malformed.
var ErrBadName = errors.New("profile: malformed profile name")

// Profile binds a condition and subject identity to per-subject material.
type Profile struct {
	Condition string   `json:"condition"`
	SubjectID string   `json:"subject_id"`
	Ordering  []string `json:"ordering,omitempty"`
}

// FQName returns the "<condition>/<subjectId>" form used in run records.
func (p Profile) FQName() string {
	return p.Condition + "/" + p.SubjectID
}

// String implements fmt.Stringer.
func (p Profile) String() string {
	return p.FQName()
}

// IsZero reports whether p is the zero profile.
func (p Profile) IsZero() bool {
	return p.Condition == "" && p.SubjectID == ""
}

// ParseFQName splits a "<condition>/<subjectId>" name.
func ParseFQName(name string) (condition, subjectID string, err error) {
	condition, subjectID, ok := strings.Cut(name, "/")
	if !ok || condition == "" || subjectID == "" || strings.Contains(subjectID, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return condition, subjectID, nil
}
