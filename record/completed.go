package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
)

// CompletedProfiles returns the "<condition>/<subjectId>" names of every
// profile with a normal-completion result file in the run.
func (l Layout) CompletedProfiles(runID string) (map[string]struct{}, error) {
	results, err := l.Results(runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, res := range results {
		if res.State == core.StateComplete {
			out[res.Profile] = struct{}{}
		}
	}
	return out, nil
}

// HasCompletedResult reports whether p already finished in the run.
func (l Layout) HasCompletedResult(runID string, p profile.Profile) bool {
	info, err := os.Stat(l.Result(runID, p, core.StateComplete))
	return err == nil && info.Mode().IsRegular()
}

// ResultFile is one response file found in a run directory.
type ResultFile struct {
	Profile string
	State   core.State
	Path    string
}

// Results lists the response files of a run ordered by condition, subject
// id and suffix.
func (l Layout) Results(runID string) ([]ResultFile, error) {
	entries, err := os.ReadDir(l.Run(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("record: read run %s: %w", runID, err)
	}

	var out []ResultFile
	for _, cond := range entries {
		if !cond.IsDir() || isReserved(cond.Name()) || strings.HasPrefix(cond.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(l.ConditionDir(runID, cond.Name()))
		if err != nil {
			return nil, fmt.Errorf("record: read condition %s: %w", cond.Name(), err)
		}
		for _, f := range files {
			if !f.Type().IsRegular() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			subj, st := core.TrimResultSuffix(f.Name())
			out = append(out, ResultFile{
				Profile: cond.Name() + "/" + subj,
				State:   st,
				Path:    filepath.Join(l.ConditionDir(runID, cond.Name()), f.Name()),
			})
		}
	}
	slices.SortStableFunc(out, func(a, b ResultFile) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out, nil
}
