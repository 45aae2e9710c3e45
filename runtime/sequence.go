package runtime

import (
	"sync"
	"sync/atomic"
)

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// Sequencer stamps events with a per-run sequence number.
type Sequencer struct {
	mu   sync.Mutex
	runs map[string]*seqGen
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{runs: make(map[string]*seqGen)}
}

// Resume makes the next sequence number for runID follow after.
// Used when a run is resumed with events already persisted.
func (s *Sequencer) Resume(runID string, after uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := newSeqGen()
	g.counter.Store(after)
	s.runs[runID] = g
}

// Next returns the next sequence number for runID.
func (s *Sequencer) Next(runID string) uint64 {
	s.mu.Lock()
	g, ok := s.runs[runID]
	if !ok {
		g = newSeqGen()
		s.runs[runID] = g
	}
	s.mu.Unlock()
	return g.Next()
}

// Decorate returns an emitter that assigns Seq before forwarding.
func (s *Sequencer) Decorate(next EventEmitter) EventEmitter {
	return func(e Event) {
		if e.Seq == 0 {
			e.Seq = s.Next(e.RunID)
		}
		next(e)
	}
}
