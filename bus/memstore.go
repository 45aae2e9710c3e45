package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/trialflow/runtime"
)

// MemEventStore keeps events in memory, ordered by sequence number within
// each run. Sessions publish concurrently, so appends may arrive slightly
// out of order; they are inserted in place.
type MemEventStore struct {
	mu   sync.RWMutex
	runs map[string][]runtime.Event
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{runs: make(map[string][]runtime.Event)}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.runs[event.RunID]
	i := sort.Search(len(events), func(i int) bool { return events[i].Seq > event.Seq })
	events = append(events, runtime.Event{})
	copy(events[i+1:], events[i:])
	events[i] = event
	s.runs[event.RunID] = events
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.runs[runID]
	start := sort.Search(len(events), func(i int) bool { return events[i].Seq > afterSeq })
	end := len(events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start == end {
		return nil, nil
	}
	return append([]runtime.Event(nil), events[start:end]...), nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.runs[runID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *MemEventStore) SessionEvents(_ context.Context, runID, sessionID string) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []runtime.Event
	for _, e := range s.runs[runID] {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ EventStore = (*MemEventStore)(nil)
