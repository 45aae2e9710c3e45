package record

import (
	"fmt"
	"time"
)

// RunIDFormat is the timestamp layout run ids are derived from.
const RunIDFormat = "2006.01.02.15.04.05"

// NewRunID derives a run id from now. When the timestamp is already taken
// a numeric suffix ("-2", "-3", ...) disambiguates it.
func NewRunID(now time.Time, taken func(string) bool) string {
	base := now.Format(RunIDFormat)
	if taken == nil || !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		id := fmt.Sprintf("%s-%d", base, i)
		if !taken(id) {
			return id
		}
	}
}
