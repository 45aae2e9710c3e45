package trialflow

import (
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/results"
	"github.com/petal-labs/trialflow/runtime"
)

// Template variables shared by every task of a session.
const (
	VarSessionID     = "exp_sid"
	VarTaskCursor    = "exp_task_cursor"
	VarState         = "exp_state"
	VarNumTasks      = "exp_num_tasks"
	VarExternalID    = "exp_external_id"
	VarCompletionURL = "exp_completion_url"
	VarNavItems      = "exp_nav_items"
	VarResponse      = "exp_resp"
)

// Navigation labels accepted by GoTo.
const (
	NavFirst = "First"
	NavLast  = "Last"
)

const dummyUserAgent = "DUMMY"

// InstanceOption configures a new session.
type InstanceOption func(*instanceOptions)

type instanceOptions struct {
	userAgent string
	userID    string
	dummy     bool
}

// WithUserAgent records the participant's user agent.
func WithUserAgent(ua string) InstanceOption {
	return func(o *instanceOptions) { o.userAgent = ua }
}

// WithUserID sets the external user id of a logged-in participant.
func WithUserID(id string) InstanceOption {
	return func(o *instanceOptions) { o.userID = id }
}

// WithDummy marks a simulated session.
func WithDummy() InstanceOption {
	return func(o *instanceOptions) { o.dummy = true }
}

// View is what a transport renders for the current task.
type View struct {
	SessionID string
	TaskID    int
	Kind      core.TaskKind
	Template  string
	State     core.State
	Vars      map[string]any

	// Final is set when the task accepts no further submission.
	Final bool
}

// Status is the monitoring row of a session.
type Status struct {
	SessionID  string        `json:"sid"`
	ClientIP   string        `json:"ip"`
	Profile    string        `json:"profile"`
	State      core.State    `json:"state"`
	TaskID     int           `json:"task_id"`
	NumTasks   int           `json:"num_tasks"`
	Started    time.Time     `json:"started"`
	Elapsed    time.Duration `json:"elapsed"`
	ExternalID string        `json:"external_id,omitempty"`
}

// ElapsedMinutes formats the elapsed time the way the dashboard shows it.
func (s Status) ElapsedMinutes() string {
	return fmt.Sprintf("%.1f", s.Elapsed.Minutes())
}

// Instance is one participant session. All state changes happen under
// its lock; events and observers run after the lock is released.
type Instance struct {
	engine *Engine
	run    *run
	sid    string
	ip     string
	userID string
	dummy  bool

	mu        sync.Mutex
	graph     *Graph
	anchor    Task
	first     Task
	current   Task
	profile   profile.Profile
	journal   *results.Journal
	responses map[int]results.Response
	pseudo    []results.Response
	state     core.State
	started   time.Time
	ended     time.Time
	inactDue  time.Time
	globalDue time.Time
	vars      map[string]any
	pending   []runtime.Event
}

func (e *Engine) newInstance(r *run, sid, ip string, args map[string]string, o instanceOptions) (*Instance, error) {
	g, anchor, err := buildIntro(e.exp)
	if err != nil {
		return nil, err
	}
	now := e.now()
	first, _ := g.Task(1)
	inst := &Instance{
		engine:    e,
		run:       r,
		sid:       sid,
		ip:        ip,
		userID:    o.userID,
		dummy:     o.dummy,
		graph:     g,
		anchor:    anchor,
		first:     first,
		current:   first,
		responses: make(map[int]results.Response),
		state:     core.StateActive,
		started:   now,
		inactDue:  now.Add(e.inactivity),
		vars:      map[string]any{VarSessionID: sid},
	}
	inst.pseudo = e.pseudoResponses(now, sid, ip, args, o)
	if o.userID != "" {
		inst.vars[VarExternalID] = o.userID
		if e.completionURL != "" {
			inst.vars[VarCompletionURL] = e.completionURL
		}
	}
	return inst, nil
}

func (e *Engine) pseudoResponses(now time.Time, sid, ip string, args map[string]string, o instanceOptions) []results.Response {
	out := []results.Response{{Time: now, Task: core.PseudoSessionID, Resp: sid}}
	if e.saveUA {
		ua := o.userAgent
		if o.dummy {
			ua = dummyUserAgent
		}
		out = append(out, results.Response{Time: now, Task: core.PseudoUserAgent, Resp: ua})
	}
	if e.saveIP {
		out = append(out, results.Response{Time: now, Task: core.PseudoIPHash, Resp: hashIP(ip)})
	}
	if e.externalParam != "" {
		if id, ok := args[e.externalParam]; ok {
			out = append(out, results.Response{Time: now, Task: strings.ToUpper(e.externalParam), Resp: id})
		}
	}
	return out
}

// hashIP anonymizes a client address with a 10-byte BLAKE2b digest.
func hashIP(ip string) string {
	h, err := blake2b.New(10, nil)
	if err != nil {
		return ""
	}
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}

// begin assigns a profile right away unless the intro defers it to a
// consent task.
func (i *Instance) begin() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.anchor.Kind() != core.TaskKindConsent {
		if err := i.assignLocked(i.anchor); err != nil {
			return err
		}
	}
	i.vars[VarNumTasks] = i.graph.Len()
	i.updateVarsLocked()
	return nil
}

// created announces the session ahead of anything begin queued.
func (i *Instance) created() {
	i.mu.Lock()
	ev := i.eventLocked(runtime.EventInstanceCreated, i.engine.now())
	i.pending = append([]runtime.Event{ev}, i.pending...)
	i.unlock()
}

// unlock releases the lock, then delivers the queued events and the
// status row. A terminal transition triggers the run completion check.
func (i *Instance) unlock() {
	evs := i.pending
	i.pending = nil
	var st Status
	if len(evs) > 0 {
		st = i.statusLocked(i.engine.now())
	}
	i.mu.Unlock()

	if len(evs) == 0 {
		return
	}
	ended := false
	for _, ev := range evs {
		i.engine.emit(ev)
		ended = ended || ev.Kind == runtime.EventInstanceEnded
	}
	i.engine.notify(st)
	if ended {
		i.engine.checkRunComplete(i.run)
	}
}

// SessionID returns the session id.
func (i *Instance) SessionID() string {
	return i.sid
}

// ClientIP returns the address the session arrived from.
func (i *Instance) ClientIP() string {
	return i.ip
}

// State returns the session state.
func (i *Instance) State() core.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Profile returns the assigned profile; zero before assignment.
func (i *Instance) Profile() profile.Profile {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.profile
}

// Cursor returns the id of the current task.
func (i *Instance) Cursor() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current.ID()
}

// NumTasks returns the number of materialized tasks.
func (i *Instance) NumTasks() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.graph.Len()
}

// Deadline returns the instant the session times out if nothing is
// submitted before it.
func (i *Instance) Deadline() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deadlineLocked()
}

func (i *Instance) deadlineLocked() time.Time {
	if !i.globalDue.IsZero() && i.globalDue.Before(i.inactDue) {
		return i.globalDue
	}
	return i.inactDue
}

// Status returns the monitoring row of the session.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.statusLocked(i.engine.now())
}

func (i *Instance) statusLocked(now time.Time) Status {
	end := now
	if i.state.Terminal() {
		end = i.ended
	}
	prof := "unassigned"
	if !i.profile.IsZero() {
		prof = i.profile.FQName()
	}
	return Status{
		SessionID:  i.sid,
		ClientIP:   i.ip,
		Profile:    prof,
		State:      i.state,
		TaskID:     i.current.ID(),
		NumTasks:   i.graph.Len(),
		Started:    i.started,
		Elapsed:    end.Sub(i.started),
		ExternalID: i.userID,
	}
}

// Responses returns the pseudo-responses followed by the task responses
// in task id order: the rows of the session's result file.
func (i *Instance) Responses() []results.Response {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.responsesLocked()
}

func (i *Instance) responsesLocked() []results.Response {
	out := slices.Clone(i.pseudo)
	for _, id := range slices.Sorted(maps.Keys(i.responses)) {
		out = append(out, i.responses[id])
	}
	return out
}

// Present returns the view of the current task.
func (i *Instance) Present() View {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.viewLocked()
}

func (i *Instance) viewLocked() View {
	cur := i.current
	vars := maps.Clone(i.vars)
	maps.Copy(vars, cur.Vars())
	vars[VarTaskType] = cur.Template()
	renderFlags(cur.Kind(), vars)
	if i.engine.toolMode {
		if r, ok := i.responses[cur.ID()]; ok {
			vars[VarResponse] = r.Resp
		}
	}
	return View{
		SessionID: i.sid,
		TaskID:    cur.ID(),
		Kind:      cur.Kind(),
		Template:  cur.Template(),
		State:     i.state,
		Vars:      vars,
		Final:     !i.acceptsLocked(),
	}
}

// acceptsLocked reports whether the current task takes a submission.
func (i *Instance) acceptsLocked() bool {
	if !i.engine.toolMode && i.state.Terminal() {
		return false
	}
	if i.awaitingConsentLocked() {
		return true
	}
	return len(i.current.Next()) > 0
}

func (i *Instance) awaitingConsentLocked() bool {
	return i.current.Kind() == core.TaskKindConsent && i.profile.IsZero()
}

// NextTask submits resp to the current task and advances the session.
// The response is persisted before anything else. Submissions to an
// ended session or to a final page leave it unchanged.
func (i *Instance) NextTask(resp any) (View, error) {
	i.mu.Lock()
	defer i.unlock()

	if !i.acceptsLocked() {
		return i.viewLocked(), nil
	}
	now := i.engine.now()
	if i.engine.toolMode {
		return i.navLocked(now, resp, func() (Task, error) { return i.resolveLocked(now, resp) })
	}

	i.storeLocked(now, resp)
	next, err := i.resolveLocked(now, resp)
	if err != nil {
		if errors.Is(err, ErrExperimentFull) || errors.Is(err, ErrGraph) {
			i.endLocked(now, core.StateTerminated)
		}
		return i.viewLocked(), err
	}
	i.current = next

	if next.Kind() == core.TaskKindNonConsent {
		i.engine.logger.Info("consent declined", "sid", shortID(i.sid))
		i.endLocked(now, core.StateConsentDeclined)
	}
	if i.state == core.StateActive {
		i.updateTimeoutsLocked(now)
		if len(next.Next()) == 0 && !i.profile.IsZero() {
			i.endLocked(now, core.StateComplete)
		}
	}
	i.updateVarsLocked()
	if i.state == core.StateActive {
		i.pending = append(i.pending, i.eventLocked(runtime.EventInstanceUpdated, now))
		i.saveEntryLocked(now)
	}
	return i.viewLocked(), nil
}

// resolveLocked picks the next task. A consent task awaiting assignment
// either leads to the non-consent page or assigns the profile and builds
// the rest of the graph.
func (i *Instance) resolveLocked(now time.Time, resp any) (Task, error) {
	cur := i.current
	if !i.awaitingConsentLocked() {
		return cur.Resolve(resp)
	}
	if s, ok := resp.(string); ok && s == core.ConsentDeclined {
		return cur.ReplaceNext(endPage(core.StateConsentDeclined)), nil
	}
	if err := i.assignLocked(cur); err != nil {
		i.engine.logger.Warn("profile assignment failed", "sid", shortID(i.sid), "error", err)
		return Task{}, err
	}
	i.vars[VarNumTasks] = i.graph.Len()
	return cur.Next()[0], nil
}

// assignLocked takes the head of the pool and builds the profile's tasks
// after anchor.
func (i *Instance) assignLocked(anchor Task) error {
	p, ok := i.run.pool.Assign()
	if !ok {
		return ErrExperimentFull
	}
	if err := buildMain(i.engine.exp, i.graph, anchor, p); err != nil {
		i.run.pool.Return(p)
		return err
	}
	i.profile = p
	if i.engine.toolMode {
		i.vars[VarNavItems] = i.navItemsLocked()
	}

	i.journal = results.NewJournal(i.engine.layout.Session(i.run.record.ID(), i.sid))
	if err := i.journal.SavePseudo(i.pseudo); err != nil {
		i.engine.logger.Error("journal pseudo-responses", "sid", shortID(i.sid), "error", err)
	}
	for id, r := range i.responses {
		if err := i.journal.Append(id, r); err != nil {
			i.engine.logger.Error("journal response", "sid", shortID(i.sid), "task_id", id, "error", err)
		}
	}

	i.engine.logger.Info("profile assigned", "sid", shortID(i.sid), "profile", p.FQName())
	i.pending = append(i.pending,
		i.eventLocked(runtime.EventProfileAssigned, i.engine.now()).WithPayload("profile", p.FQName()))
	return nil
}

func (i *Instance) storeLocked(now time.Time, resp any) {
	cur := i.current
	r := results.Response{Time: now, Task: cur.Template(), Resp: resp, Extra: cur.Extra()}
	i.responses[cur.ID()] = r
	if i.journal == nil {
		return
	}
	if err := i.journal.Append(cur.ID(), r); err != nil {
		i.engine.logger.Error("journal response", "sid", shortID(i.sid), "task_id", cur.ID(), "error", err)
	}
}

// updateTimeoutsLocked applies the current task's deadline setting and
// restarts the inactivity clock.
func (i *Instance) updateTimeoutsLocked(now time.Time) {
	if d, ok := i.current.Timeout(); ok {
		if d >= 0 {
			i.globalDue = now.Add(d)
		} else {
			i.globalDue = time.Time{}
		}
	}
	i.inactDue = now.Add(i.engine.inactivity)
}

func (i *Instance) updateVarsLocked() {
	i.vars[VarTaskCursor] = i.current.ID()
	i.vars[VarState] = i.state.String()
}

// CheckTimeout ends the session as timed out when now has reached its
// deadline. It reports whether the session timed out.
func (i *Instance) CheckTimeout(now time.Time) bool {
	i.mu.Lock()
	defer i.unlock()
	if i.state != core.StateActive || i.engine.toolMode {
		return false
	}
	if now.Before(i.deadlineLocked()) {
		return false
	}
	i.engine.logger.Info("session timed out", "sid", shortID(i.sid), "task_id", i.current.ID())
	return i.endLocked(now, core.StateTimedOut)
}

// Terminate ends an active session administratively. It reports false,
// and does nothing, when the session already ended.
func (i *Instance) Terminate() bool {
	i.mu.Lock()
	defer i.unlock()
	if i.state != core.StateActive {
		return false
	}
	i.engine.logger.Info("session terminated", "sid", shortID(i.sid))
	return i.endLocked(i.engine.now(), core.StateTerminated)
}

// Return ends an active session the participant abandoned through the
// recruitment platform.
func (i *Instance) Return() bool {
	i.mu.Lock()
	defer i.unlock()
	if i.state != core.StateActive {
		return false
	}
	i.engine.logger.Info("session returned", "sid", shortID(i.sid))
	return i.endLocked(i.engine.now(), core.StateReturned)
}

// endLocked performs a terminal transition: the incomplete page replaces
// what would have come next, the clock stops, responses are flushed and a
// profile that was not consumed goes back to the head of the pool.
func (i *Instance) endLocked(now time.Time, st core.State) bool {
	if i.state.Terminal() {
		return false
	}
	if st != core.StateComplete && st != core.StateConsentDeclined {
		i.current = i.current.ReplaceNext(endPage(st))
		if i.engine.toolMode {
			i.vars[VarNavItems] = i.navItemsLocked()
		}
	}
	i.ended = now
	i.state = st
	i.updateVarsLocked()
	i.pending = append(i.pending, i.eventLocked(runtime.EventInstanceEnded, now))

	if i.profile.IsZero() {
		return true
	}
	i.saveResponsesLocked()
	if st != core.StateComplete && i.run.pool.Return(i.profile) {
		i.pending = append(i.pending,
			i.eventLocked(runtime.EventProfileReturned, now).WithPayload("profile", i.profile.FQName()))
	}
	i.saveEntryLocked(now)
	return true
}

func (i *Instance) saveResponsesLocked() {
	rec := i.run.record
	layout := rec.Layout()
	path := layout.Result(rec.ID(), i.profile, i.state)
	err := i.engine.writer.WriteSession(path, layout.IDMapping(rec.ID(), i.sid), i.sid, i.responsesLocked())
	if err != nil {
		i.engine.logger.Error("save responses", "run_id", rec.ID(), "sid", shortID(i.sid), "profile", i.profile.FQName(), "error", err)
		return
	}
	i.engine.logger.Info("saved responses", "sid", shortID(i.sid), "profile", i.profile.FQName(), "state", i.state)
}

func (i *Instance) saveEntryLocked(now time.Time) {
	if i.profile.IsZero() {
		return
	}
	err := i.run.record.SetEntry(i.sid, record.Entry{
		State:     i.state,
		TaskID:    i.current.ID(),
		UserID:    i.userID,
		Profile:   i.profile.FQName(),
		UpdatedAt: now.UTC(),
	})
	if err != nil {
		i.engine.logger.Error("update run record", "run_id", i.run.record.ID(), "sid", shortID(i.sid), "error", err)
	}
}

func (i *Instance) eventLocked(kind runtime.EventKind, now time.Time) runtime.Event {
	ev := runtime.NewEvent(kind, i.run.record.ID()).
		WithSession(i.sid, i.state, i.current.ID()).
		WithTime(now)
	if i.state.Terminal() {
		ev = ev.WithElapsed(i.ended.Sub(i.started))
	} else {
		ev = ev.WithElapsed(now.Sub(i.started))
	}
	return ev
}
