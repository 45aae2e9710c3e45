package bus

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/trialflow/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced update events.
	// Default: 250ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces
// instance.updated events per session, so a participant clicking through
// pages quickly produces at most one dashboard update per interval.
// Every other kind passes through immediately. A pending update for a
// session is discarded when that session emits a non-update event, since
// the later event already carries the newer state.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // sessionID -> latest update
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter around emit.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the throttled emitter.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if e.Kind != runtime.EventInstanceUpdated || e.SessionID == "" {
		te.mu.Lock()
		delete(te.pending, e.SessionID)
		te.mu.Unlock()
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	te.pending[e.SessionID] = e
}

// Close flushes any pending updates and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends pending updates in sequence order and clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	toFlush := make([]runtime.Event, 0, len(te.pending))
	for _, e := range te.pending {
		toFlush = append(toFlush, e)
	}
	te.pending = make(map[string]runtime.Event)
	te.mu.Unlock()

	slices.SortFunc(toFlush, func(a, b runtime.Event) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, e := range toFlush {
		te.emit(e)
	}
}
