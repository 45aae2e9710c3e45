package registry

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/record"
)

func TestGlobal_ReturnsSameInstance(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance on every call")
	}
}

func TestGlobal_HasBuiltins(t *testing.T) {
	r := Global()
	if !r.Has(ListeningName) {
		t.Fatalf("Global registry should have %q registered", ListeningName)
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := newRegistry()
	r.Register(ExperimentDef{
		Name:        "demo",
		DisplayName: "Demo",
		New:         func() trialflow.Experiment { return NewListening() },
	})

	got, ok := r.Get("demo")
	if !ok {
		t.Fatal("Get should find registered experiment")
	}
	if got.DisplayName != "Demo" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Demo")
	}

	exp, err := r.Resolve("demo")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if exp.Name() != ListeningName {
		t.Errorf("Name() = %q", exp.Name())
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := newRegistry()
	r.Register(ExperimentDef{Name: "no-constructor"})

	for _, name := range []string{"nonexistent", "no-constructor"} {
		if _, err := r.Resolve(name); !errors.Is(err, ErrUnknownExperiment) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownExperiment", name, err)
		}
	}
}

func TestRegistry_All_PreservesOrder(t *testing.T) {
	r := newRegistry()
	r.Register(ExperimentDef{Name: "alpha"})
	r.Register(ExperimentDef{Name: "beta"})
	r.Register(ExperimentDef{Name: "gamma"})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d items, want 3", len(all))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if all[i].Name != want {
			t.Errorf("All()[%d].Name = %q, want %q", i, all[i].Name, want)
		}
	}
}

func TestRegistry_RegisterOverwrite(t *testing.T) {
	r := newRegistry()
	r.Register(ExperimentDef{Name: "exp", DisplayName: "Original"})
	r.Register(ExperimentDef{Name: "exp", DisplayName: "Updated"})

	got, _ := r.Get("exp")
	if got.DisplayName != "Updated" {
		t.Errorf("DisplayName = %q, want %q (should overwrite)", got.DisplayName, "Updated")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1 (overwrite should not duplicate)", r.Len())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(ExperimentDef{Name: "concurrent"})
		}()
		go func() {
			defer wg.Done()
			r.Get("concurrent")
			r.Has("concurrent")
			r.All()
			r.Len()
		}()
	}
	wg.Wait()
}

func TestListening_Ordering(t *testing.T) {
	l := NewListening()
	a := l.Ordering("A", rand.New(rand.NewPCG(1, 2)))
	if len(a) != 6 {
		t.Fatalf("Ordering(A) = %v, want 4 words and 2 distractors", a)
	}
	seen := map[string]bool{}
	for _, w := range a {
		seen[w] = true
	}
	for _, w := range []string{"blick", "zorp", "mabble", "tessin"} {
		if !seen[w] {
			t.Errorf("Ordering(A) is missing %q", w)
		}
	}
}

func TestListening_Simulated(t *testing.T) {
	e, err := trialflow.NewEngine(trialflow.Config{
		Experiment:           NewListening(),
		Layout:               record.NewLayout(t.TempDir()),
		ProfilesPerCondition: 1,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if _, err := e.StartRun(t.Context(), trialflow.RunOptions{}); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	done, err := e.Simulate(t.Context(), 2)
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	for _, inst := range done {
		if inst.State() != core.StateComplete {
			t.Fatalf("State() = %s, want COMPLETE", inst.State())
		}
		// welcome, consent, 3 instruction pages, qnaire, 4 training
		// ratings, 6 main ratings, exit qnaire and thankyou.
		if inst.NumTasks() != 18 {
			t.Errorf("NumTasks() = %d, want 18", inst.NumTasks())
		}
		v := inst.Present()
		if code, _ := v.Vars["completion_code"].(string); len(code) != 16 {
			t.Errorf("completion_code = %v", v.Vars["completion_code"])
		}
	}
	if !e.RunComplete() {
		t.Error("RunComplete() = false after both profiles finished")
	}
}
