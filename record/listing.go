package record

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/petal-labs/trialflow/core"
)

// Summary describes one run for the dashboard run listing.
type Summary struct {
	ID         string       `json:"id"`
	Mode       core.RunMode `json:"mode,omitempty"`
	Replicate  string       `json:"replicate,omitempty"`
	Created    time.Time    `json:"created"`
	Complete   int          `json:"num_complete"`
	Incomplete int          `json:"num_incomplete"`
	HasPII     bool         `json:"has_pii"`
}

// ListRuns summarizes every run of the bundle, newest first.
func ListRuns(layout Layout) ([]Summary, error) {
	entries, err := os.ReadDir(layout.Runs())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record: read runs dir: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := Summarize(layout, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(b.ID, a.ID) })
	return out, nil
}

// Summarize counts the results and PII files of one run.
func Summarize(layout Layout, runID string) (Summary, error) {
	s := Summary{ID: runID}
	if r, err := Open(layout, runID); err == nil {
		md := r.Snapshot()
		s.Mode, s.Replicate, s.Created = md.Mode, md.Replicate, md.Created
	} else if !errors.Is(err, ErrRunNotFound) {
		return Summary{}, err
	}

	results, err := layout.Results(runID)
	if err != nil {
		return Summary{}, err
	}
	for _, res := range results {
		if res.State == core.StateComplete {
			s.Complete++
		} else {
			s.Incomplete++
		}
	}

	pii, err := os.ReadDir(layout.IDMappingDir(runID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Summary{}, fmt.Errorf("record: read id mapping for %s: %w", runID, err)
	}
	s.HasPII = len(pii) > 0
	return s, nil
}
