package trialflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/results"
)

// TaskSpec describes a task that has not been materialized yet. A node is
// created, and receives its id, only when Then reaches the spec.
type TaskSpec struct {
	kind     core.TaskKind
	template string
	vars     map[string]any
	timeout  *time.Duration
	extra    map[string]any
	dummy    any
}

// Page returns a generic task rendered with template.
func Page(template string) TaskSpec {
	return TaskSpec{kind: core.TaskKindPage, template: template}
}

// Welcome returns the landing page task.
func Welcome(template string) TaskSpec {
	return TaskSpec{kind: core.TaskKindWelcome, template: orDefault(template, "welcome")}
}

// Consent returns the consent task. A graph whose intro ends in a consent
// task defers profile assignment until consent is given.
func Consent(template string) TaskSpec {
	return TaskSpec{kind: core.TaskKindConsent, template: orDefault(template, "consent")}
}

// Soundcheck returns the audio check task.
func Soundcheck() TaskSpec {
	return TaskSpec{kind: core.TaskKindSoundcheck, template: "soundcheck"}
}

// Thankyou returns the final task of a normal completion.
func Thankyou() TaskSpec {
	return TaskSpec{kind: core.TaskKindThankyou, template: "thankyou"}
}

func incomplete(kind core.TaskKind) TaskSpec {
	return TaskSpec{kind: kind, template: kind.String()}
}

// WithVars adds template variables to the task.
func (s TaskSpec) WithVars(vars map[string]any) TaskSpec {
	merged := maps.Clone(s.vars)
	if merged == nil {
		merged = make(map[string]any, len(vars))
	}
	maps.Copy(merged, vars)
	s.vars = merged
	return s
}

// WithTimeout sets the session deadline applied when the task is reached.
func (s TaskSpec) WithTimeout(d time.Duration) TaskSpec {
	s.timeout = &d
	return s
}

// DisableTimeout clears any session deadline when the task is reached.
func (s TaskSpec) DisableTimeout() TaskSpec {
	return s.WithTimeout(-1)
}

// WithExtra adds fields recorded alongside every response to the task.
func (s TaskSpec) WithExtra(extra map[string]any) TaskSpec {
	merged := maps.Clone(s.extra)
	if merged == nil {
		merged = make(map[string]any, len(extra))
	}
	maps.Copy(merged, extra)
	s.extra = merged
	return s
}

// WithDummy sets the response submitted for the task by simulated runs.
func (s TaskSpec) WithDummy(resp any) TaskSpec {
	s.dummy = resp
	return s
}

// Kind returns the task kind.
func (s TaskSpec) Kind() core.TaskKind {
	return s.kind
}

type node struct {
	spec TaskSpec
	prev int
	next []int
}

// Graph is one participant's task tree. Nodes live in an arena indexed by
// id-1; ids are dense and follow creation order.
type Graph struct {
	nodes      []node
	last       int
	hasConsent bool
	errs       []error
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Root materializes the first task of the graph.
func (g *Graph) Root(spec TaskSpec) Task {
	if len(g.nodes) > 0 {
		g.errs = append(g.errs, errors.New("graph already has a root"))
	}
	return Task{g: g, id: g.add(spec, 0)}
}

func (g *Graph) add(spec TaskSpec, prev int) int {
	if spec.kind == "" {
		g.errs = append(g.errs, errors.New("task spec has no kind"))
		spec.kind = core.TaskKindPage
	}
	if err := results.CheckExtras(spec.extra); err != nil {
		g.errs = append(g.errs, fmt.Errorf("task %d (%s): %w", len(g.nodes)+1, spec.template, err))
	}
	if spec.kind == core.TaskKindConsent {
		g.hasConsent = true
	}
	g.nodes = append(g.nodes, node{spec: spec, prev: prev})
	return len(g.nodes)
}

// Len returns the number of materialized tasks.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Task returns the handle of task id.
func (g *Graph) Task(id int) (Task, bool) {
	if id < 1 || id > len(g.nodes) {
		return Task{}, false
	}
	return Task{g: g, id: id}, true
}

// Last returns the "last task" navigation target: the most recently
// linked successor, unset once any node branches.
func (g *Graph) Last() (Task, bool) {
	return g.Task(g.last)
}

// HasConsent reports whether a consent task was materialized.
func (g *Graph) HasConsent() bool {
	return g.hasConsent
}

// Err returns the construction errors collected so far.
func (g *Graph) Err() error {
	if len(g.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrGraph, errors.Join(g.errs...))
}

func (g *Graph) link(from, to int) {
	n := &g.nodes[from-1]
	n.next = append(n.next, to)
	g.nodes[to-1].prev = from
	if len(n.next) > 1 {
		g.last = 0
	} else {
		g.last = to
	}
}

// Task is a handle to a node of a Graph. The zero Task is invalid; calls on
// it return invalid handles.
type Task struct {
	g  *Graph
	id int
}

// ID returns the 1-based creation index of the task.
func (t Task) ID() int {
	return t.id
}

// Valid reports whether the handle refers to a node.
func (t Task) Valid() bool {
	return t.g != nil && t.id >= 1 && t.id <= len(t.g.nodes)
}

func (t Task) node() *node {
	return &t.g.nodes[t.id-1]
}

// Kind returns the task kind.
func (t Task) Kind() core.TaskKind {
	if !t.Valid() {
		return ""
	}
	return t.node().spec.kind
}

// Template returns the template name, also used as the response task name.
func (t Task) Template() string {
	if !t.Valid() {
		return ""
	}
	return t.node().spec.template
}

// Vars returns a copy of the task's own template variables.
func (t Task) Vars() map[string]any {
	if !t.Valid() {
		return nil
	}
	return maps.Clone(t.node().spec.vars)
}

// Extra returns a copy of the task's response extras.
func (t Task) Extra() map[string]any {
	if !t.Valid() {
		return nil
	}
	return maps.Clone(t.node().spec.extra)
}

// Timeout returns the task's deadline setting, if any. A negative value
// clears the session deadline.
func (t Task) Timeout() (time.Duration, bool) {
	if !t.Valid() || t.node().spec.timeout == nil {
		return 0, false
	}
	return *t.node().spec.timeout, true
}

// Dummy returns the response a simulated participant submits.
func (t Task) Dummy() any {
	if !t.Valid() {
		return nil
	}
	if d := t.node().spec.dummy; d != nil {
		return d
	}
	return behaviorOf(t.Kind()).dummy
}

// Prev returns the task this one was linked from.
func (t Task) Prev() (Task, bool) {
	if !t.Valid() {
		return Task{}, false
	}
	return t.g.Task(t.node().prev)
}

// Next returns the successor candidates in link order.
func (t Task) Next() []Task {
	if !t.Valid() {
		return nil
	}
	next := t.node().next
	out := make([]Task, len(next))
	for i, id := range next {
		out[i] = Task{g: t.g, id: id}
	}
	return out
}

// Then materializes spec as a new successor and returns it.
func (t Task) Then(spec TaskSpec) Task {
	if !t.Valid() {
		return Task{}
	}
	id := t.g.add(spec, t.id)
	t.g.link(t.id, id)
	return Task{g: t.g, id: id}
}

// ThenTask links an existing task of the same graph as a successor.
func (t Task) ThenTask(existing Task) Task {
	if !t.Valid() {
		return Task{}
	}
	if existing.g != t.g || !existing.Valid() {
		t.g.errs = append(t.g.errs, fmt.Errorf("task %d: successor belongs to another graph", t.id))
		return Task{}
	}
	t.g.link(t.id, existing.id)
	return existing
}

// ThenAll folds Then over specs and returns the last task.
func (t Task) ThenAll(specs ...TaskSpec) Task {
	cursor := t
	for _, s := range specs {
		cursor = cursor.Then(s)
	}
	return cursor
}

// ReplaceNext discards the configured successors and links spec as the
// only one. The "last task" shortcut is cleared since it may point into
// the discarded part of the graph.
func (t Task) ReplaceNext(spec TaskSpec) Task {
	if !t.Valid() {
		return Task{}
	}
	id := t.g.add(spec, t.id)
	t.node().next = []int{id}
	t.g.last = 0
	return Task{g: t.g, id: id}
}

// Resolve picks the successor selected by resp: the only successor, or
// the one indexed by resp when the task branches.
func (t Task) Resolve(resp any) (Task, error) {
	next := t.Next()
	switch len(next) {
	case 0:
		return Task{}, fmt.Errorf("%w: task %d has no successors", ErrBadBranch, t.id)
	case 1:
		return next[0], nil
	}
	idx, ok := branchIndex(resp)
	if !ok || idx < 0 || idx >= len(next) {
		return Task{}, fmt.Errorf("%w: task %d got %v for %d successors", ErrBadBranch, t.id, resp, len(next))
	}
	return next[idx], nil
}

func branchIndex(resp any) (int, bool) {
	switch v := resp.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
