package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/trialflow/runtime"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel capacity per subscriber
	// (default: DefaultSubscriberBuffer). A subscriber whose buffer is full
	// misses events instead of stalling the engine.
	SubscriberBufferSize int
}

// MemBus fans engine events out to in-process subscribers. Publish never
// blocks: sessions call it while holding their own lock.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[*memSub]struct{}
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &MemBus{
		subs:    make(map[*memSub]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers the event to every subscriber of its run and to every
// all-runs subscriber. Events published after Close are discarded.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		if !sub.send(event) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for one run, or for all runs when runID
// is empty. Subscribing to a closed bus yields an already closed
// subscription.
func (b *MemBus) Subscribe(runID string) Subscription {
	sub := &memSub{
		bus:   b,
		runID: runID,
		ch:    make(chan runtime.Event, b.bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Dropped reports how many deliveries were skipped because a subscriber
// was not keeping up.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are discarded.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
	return nil
}

func (b *MemBus) detach(sub *memSub) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type memSub struct {
	bus   *MemBus
	runID string

	mu     sync.Mutex
	ch     chan runtime.Event
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close detaches the subscription from its bus and closes its channel.
func (s *memSub) Close() error {
	s.bus.detach(s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send reports false when the event could not be buffered.
func (s *memSub) send(event runtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
