// Package results encodes participant responses into result files, splits
// personally identifying answers into a separate mapping file, reads result
// files back, and builds aggregate exports.
package results

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// TimeFormat is the timestamp layout written to result files.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Reserved column names that task extras may not use.
var reservedExtras = []string{"time", "task", "resp"}

// ErrReservedExtra is returned when a task declares an extra named like a
// fixed column.
var ErrReservedExtra = errors.New("results: reserved extra field name")

// Response is one recorded answer: the raw response of a task plus any
// metadata the task declared for its responses.
type Response struct {
	Time  time.Time
	Task  string
	Resp  any
	Extra map[string]any
}

// New builds a Response, rejecting reserved extra names.
func New(at time.Time, task string, resp any, extra map[string]any) (Response, error) {
	if err := CheckExtras(extra); err != nil {
		return Response{}, err
	}
	return Response{Time: at, Task: task, Resp: resp, Extra: maps.Clone(extra)}, nil
}

// CheckExtras validates extra field names.
func CheckExtras(extra map[string]any) error {
	for _, name := range reservedExtras {
		if _, ok := extra[name]; ok {
			return fmt.Errorf("%w: %q", ErrReservedExtra, name)
		}
	}
	return nil
}

// extraNames returns the sorted union of extra names across resps.
func extraNames(resps []Response) []string {
	set := make(map[string]struct{})
	for _, r := range resps {
		for k := range r.Extra {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
