package trialflow

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/runtime"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (l *eventLog) record(e runtime.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(kind runtime.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// testExperiment builds welcome[, consent] and then main after the intro.
type testExperiment struct {
	conds   []string
	consent bool
	intro   []TaskSpec
	main    func(b *Builder, from Task)
}

func (x *testExperiment) Name() string { return "test" }

func (x *testExperiment) Conditions() []string { return x.conds }

func (x *testExperiment) Ordering(cond string, rng *rand.Rand) []string {
	return []string{cond + "-stim-1", cond + "-stim-2"}
}

func (x *testExperiment) Intro(b *Builder) Task {
	if len(x.intro) > 0 {
		return b.Start(x.intro[0]).ThenAll(x.intro[1:]...)
	}
	t := b.Start(Welcome(""))
	if x.consent {
		t = t.Then(Consent(""))
	}
	return t
}

func (x *testExperiment) Main(b *Builder, from Task) {
	x.main(b, from)
}

func linearMain(specs ...TaskSpec) func(*Builder, Task) {
	return func(_ *Builder, from Task) {
		from.ThenAll(specs...)
	}
}

// threeTasks is the linear q1 -> q2 -> q3 -> thankyou graph; q1 is the
// intro so the profile is assigned on arrival.
func threeTasks(conds ...string) *testExperiment {
	return &testExperiment{
		conds: conds,
		intro: []TaskSpec{Page("q1")},
		main:  linearMain(Page("q2"), Page("q3"), Thankyou()),
	}
}

// startedMode returns the mode of the last run.started event.
func startedMode(t *testing.T, l *eventLog) string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if e := l.events[i]; e.Kind == runtime.EventRunStarted {
			mode, _ := e.Payload["mode"].(string)
			return mode
		}
	}
	t.Fatal("no run.started event")
	return ""
}

type engineOpt func(*Config)

func newTestEngine(t *testing.T, exp Experiment, opts ...engineOpt) (*Engine, *fakeClock, *eventLog) {
	t.Helper()
	return newTestEngineAt(t, t.TempDir(), newFakeClock(), exp, opts...)
}

func newTestEngineAt(t *testing.T, root string, clock *fakeClock, exp Experiment, opts ...engineOpt) (*Engine, *fakeClock, *eventLog) {
	t.Helper()
	log := &eventLog{}
	cfg := Config{
		Experiment:           exp,
		Layout:               record.NewLayout(root),
		ProfilesPerCondition: 4,
		InactivityTimeout:    15 * time.Minute,
		Emitter:              log.record,
		Now:                  clock.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e, clock, log
}

func mustStart(t *testing.T, e *Engine, opts RunOptions) *record.Record {
	t.Helper()
	rec, err := e.StartRun(t.Context(), opts)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	return rec
}

func mustNext(t *testing.T, inst *Instance, resp any) View {
	t.Helper()
	v, err := inst.NextTask(resp)
	if err != nil {
		t.Fatalf("NextTask(%v) error = %v", resp, err)
	}
	return v
}
