// Package record persists the metadata of experimental runs: how each run
// was started, which run it replicates, and where every participant session
// stands, so a run can be resumed after a restart.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/trialflow/core"
)

// Sentinel errors for record operations.
var (
	ErrRunNotFound = errors.New("record: run not found")
	ErrBadMetadata = errors.New("record: malformed metadata")
)

// Entry is the resumption state of one participant session.
type Entry struct {
	State     core.State `json:"state"`
	TaskID    int        `json:"task_id"`
	UserID    string     `json:"user_id,omitempty"`
	Profile   string     `json:"profile,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (e Entry) sameAs(o Entry) bool {
	return e.State == o.State && e.TaskID == o.TaskID &&
		e.UserID == o.UserID && e.Profile == o.Profile
}

// Metadata is the persisted form of a run record.
type Metadata struct {
	ID           string           `json:"id"`
	Mode         core.RunMode     `json:"mode"`
	Replicate    string           `json:"replicate,omitempty"`
	Conditions   []string         `json:"conditions,omitempty"`
	Created      time.Time        `json:"created"`
	Resumes      []time.Time      `json:"resumes,omitempty"`
	Participants map[string]Entry `json:"participants"`
}

// Record is the live, persisted metadata of one run. Every mutation is
// written through to metadata.json before it returns.
type Record struct {
	mu     sync.Mutex
	layout Layout
	md     Metadata
}

// CreateOptions describes a new run.
type CreateOptions struct {
	Mode core.RunMode

	// Replicate names the source run whose completed profiles this run offers.
	Replicate string

	// Conditions is the run-scoped condition filter (empty means all).
	Conditions []string

	// ConditionDirs are created inside the run directory up front.
	ConditionDirs []string

	Now time.Time
}

// Create allocates a new run id, creates the run directory and writes the
// initial metadata.
func Create(layout Layout, opts CreateOptions) (*Record, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Mode == "" {
		opts.Mode = core.RunModeNew
	}
	if err := os.MkdirAll(layout.Runs(), 0o755); err != nil {
		return nil, fmt.Errorf("record: create runs dir: %w", err)
	}

	id := NewRunID(opts.Now, func(id string) bool { return Exists(layout, id) })
	for _, cond := range opts.ConditionDirs {
		if err := os.MkdirAll(layout.ConditionDir(id, cond), 0o755); err != nil {
			return nil, fmt.Errorf("record: create condition dir: %w", err)
		}
	}
	if err := os.MkdirAll(layout.Run(id), 0o755); err != nil {
		return nil, fmt.Errorf("record: create run dir: %w", err)
	}

	r := &Record{
		layout: layout,
		md: Metadata{
			ID:           id,
			Mode:         opts.Mode,
			Replicate:    opts.Replicate,
			Conditions:   slices.Clone(opts.Conditions),
			Created:      opts.Now.UTC(),
			Participants: make(map[string]Entry),
		},
	}
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open loads an existing run's metadata verbatim.
func Open(layout Layout, runID string) (*Record, error) {
	data, err := os.ReadFile(layout.Metadata(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("record: read metadata for %s: %w", runID, err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadMetadata, runID, err)
	}
	if md.ID == "" {
		md.ID = runID
	}
	if md.ID != runID {
		return nil, fmt.Errorf("%w: %s: id field is %q", ErrBadMetadata, runID, md.ID)
	}
	if md.Participants == nil {
		md.Participants = make(map[string]Entry)
	}
	return &Record{layout: layout, md: md}, nil
}

// Exists reports whether a run directory with metadata exists.
func Exists(layout Layout, runID string) bool {
	_, err := os.Stat(layout.Run(runID))
	return err == nil
}

// ID returns the run id.
func (r *Record) ID() string {
	return r.md.ID
}

// Layout returns the bundle layout the record lives in.
func (r *Record) Layout() Layout {
	return r.layout
}

// Mode returns how the run was started.
func (r *Record) Mode() core.RunMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.md.Mode
}

// Replicate returns the replicate source run id, or "".
func (r *Record) Replicate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.md.Replicate
}

// Conditions returns the run-scoped condition filter.
func (r *Record) Conditions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.md.Conditions)
}

// Snapshot returns a deep copy of the metadata.
func (r *Record) Snapshot() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	md := r.md
	md.Conditions = slices.Clone(r.md.Conditions)
	md.Resumes = slices.Clone(r.md.Resumes)
	md.Participants = maps.Clone(r.md.Participants)
	return md
}

// Entry returns the resumption entry of a session.
func (r *Record) Entry(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.md.Participants[sessionID]
	return e, ok
}

// SetEntry stores the resumption entry of a session and persists the record.
// Writing an identical entry (ignoring UpdatedAt) is a no-op.
func (r *Record) SetEntry(sessionID string, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.md.Participants[sessionID]; ok && prev.sameAs(e) {
		return nil
	}
	r.md.Participants[sessionID] = e
	return r.saveLocked()
}

// FindUser returns the session a participant's external user id was last
// seen with.
func (r *Record) FindUser(userID string) (string, Entry, bool) {
	if userID == "" {
		return "", Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		foundSID string
		found    Entry
		ok       bool
	)
	for sid, e := range r.md.Participants {
		if e.UserID != userID {
			continue
		}
		if !ok || e.UpdatedAt.After(found.UpdatedAt) {
			foundSID, found, ok = sid, e, true
		}
	}
	return foundSID, found, ok
}

// MarkResumed appends a resume timestamp and persists the record.
func (r *Record) MarkResumed(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.md.Resumes = append(r.md.Resumes, now.UTC())
	return r.saveLocked()
}

// saveLocked writes metadata.json through a temp file and rename so a crash
// never leaves a truncated record behind.
func (r *Record) saveLocked() error {
	data, err := json.MarshalIndent(r.md, "", "  ")
	if err != nil {
		return fmt.Errorf("record: marshal metadata: %w", err)
	}
	path := r.layout.Metadata(r.md.ID)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("record: create temp metadata: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("record: write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("record: close metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("record: replace metadata: %w", err)
	}
	return nil
}
