package trialflow

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"golang.org/x/crypto/blake2b"

	"github.com/petal-labs/trialflow/profile"
)

// Experiment defines the conditions of a bundle and how each
// participant's task graph is built. Graph construction must be a pure
// function of the profile and the Builder's random source so a resumed
// session rebuilds the same ids.
type Experiment interface {
	// Name identifies the experiment in logs and registries.
	Name() string

	// Conditions lists the experimental arms.
	Conditions() []string

	// Ordering produces the per-subject material persisted with a new
	// profile of condition.
	Ordering(condition string, rng *rand.Rand) []string

	// Intro builds the tasks shown before a profile is needed and returns
	// the task Main continues from. Returning a consent task defers profile
	// assignment until the participant agrees.
	Intro(b *Builder) Task

	// Main appends the profile-dependent tasks after from.
	Main(b *Builder, from Task)
}

// Builder gives graph construction access to the session's graph, its
// profile and a random source seeded from the profile.
type Builder struct {
	graph   *Graph
	profile profile.Profile
	rng     *rand.Rand
}

func newBuilder(g *Graph, p profile.Profile) *Builder {
	return &Builder{graph: g, profile: p, rng: seededRand(p.FQName())}
}

// Start materializes the first task of the graph.
func (b *Builder) Start(spec TaskSpec) Task {
	return b.graph.Root(spec)
}

// Graph returns the graph under construction.
func (b *Builder) Graph() *Graph {
	return b.graph
}

// Profile returns the assigned profile; zero during Intro.
func (b *Builder) Profile() profile.Profile {
	return b.profile
}

// Rand returns a random source that yields the same sequence for the same
// profile.
func (b *Builder) Rand() *rand.Rand {
	return b.rng
}

func seededRand(key string) *rand.Rand {
	sum := blake2b.Sum256([]byte(key))
	return rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(sum[0:8]),
		binary.LittleEndian.Uint64(sum[8:16]),
	))
}

// buildIntro creates a graph and runs the experiment's intro.
func buildIntro(exp Experiment) (*Graph, Task, error) {
	g := NewGraph()
	anchor := exp.Intro(newBuilder(g, profile.Profile{}))
	if err := g.Err(); err != nil {
		return nil, Task{}, err
	}
	if !anchor.Valid() {
		return nil, Task{}, fmt.Errorf("%w: intro returned no task", ErrGraph)
	}
	return g, anchor, nil
}

// buildMain appends the profile-dependent tasks after anchor.
func buildMain(exp Experiment, g *Graph, anchor Task, p profile.Profile) error {
	exp.Main(newBuilder(g, p), anchor)
	if err := g.Err(); err != nil {
		return err
	}
	if len(anchor.Next()) == 0 {
		return fmt.Errorf("%w: nothing follows task %d", ErrGraph, anchor.ID())
	}
	return nil
}
