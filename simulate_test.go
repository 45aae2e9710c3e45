package trialflow

import (
	"errors"
	"testing"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/runtime"
)

func TestSimulate_RunsUntilFull(t *testing.T) {
	exp := &testExperiment{
		conds:   []string{"A"},
		consent: true,
		main: func(_ *Builder, from Task) {
			pick := from.Then(Page("pick"))
			pick.Then(Page("left")).Then(Thankyou())
			pick.Then(Page("right").WithDummy("R")).Then(Thankyou())
		},
	}
	e, _, log := newTestEngine(t, exp, func(c *Config) { c.SaveUserAgent = true })
	rec := mustStart(t, e, RunOptions{})

	done, err := e.Simulate(t.Context(), 3)
	if err != nil || len(done) != 3 {
		t.Fatalf("Simulate(3) = %d, %v", len(done), err)
	}
	for _, inst := range done {
		if inst.State() != core.StateComplete {
			t.Fatalf("simulated state = %s", inst.State())
		}
		resps := inst.Responses()
		if resps[1].Task != core.PseudoUserAgent || resps[1].Resp != dummyUserAgent {
			t.Fatalf("USER_AGENT row = %+v", resps[1])
		}
		if inst.ClientIP() != SimulatedIP {
			t.Fatalf("ClientIP() = %s", inst.ClientIP())
		}
	}
	files, err := rec.Layout().Results(rec.ID())
	if err != nil || len(files) != 3 {
		t.Fatalf("Results() = %d, %v", len(files), err)
	}

	done, err = e.Simulate(t.Context(), 5)
	if !errors.Is(err, ErrExperimentFull) {
		t.Fatalf("Simulate(5) error = %v, want ErrExperimentFull", err)
	}
	if len(done) != 2 {
		t.Fatalf("Simulate(5) admitted %d, want 2", len(done))
	}
	if !e.RunComplete() || log.count(runtime.EventRunComplete) != 1 {
		t.Fatal("run not complete after the pool was exhausted")
	}
}

func TestSimulate_DummyResponses(t *testing.T) {
	g := NewGraph()
	root := g.Root(Page("q"))
	a := root.Then(Page("a").WithDummy(7))
	root.Then(Page("b"))
	inst := &Instance{current: root}
	if got := inst.dummyResponse(); got != 0 {
		t.Fatalf("branching dummy = %v, want 0", got)
	}
	inst.current = a
	if got := inst.dummyResponse(); got != 7 {
		t.Fatalf("explicit dummy = %v, want 7", got)
	}
	inst.current = a.Then(Page("c"))
	if got := inst.dummyResponse(); got != nil {
		t.Fatalf("linear dummy = %v, want nil", got)
	}
}
