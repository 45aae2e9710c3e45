package trialflow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/results"
	"github.com/petal-labs/trialflow/runtime"
)

// Config configures an Engine.
type Config struct {
	// Experiment builds task graphs and defines the conditions.
	Experiment Experiment

	// Layout locates profiles and runs on disk.
	Layout record.Layout

	// Store persists profiles (default: a store over Layout.Profiles()).
	Store *profile.Store

	// Writer encodes result files (default: csv, no PII tasks).
	Writer *results.Writer

	// ProfilesPerCondition is the number of profiles created for a
	// condition that has none when a run starts. Zero disables creation.
	ProfilesPerCondition int

	// InactivityTimeout ends a session with no submission for this long.
	InactivityTimeout time.Duration

	SaveUserAgent bool
	SaveIPHash    bool

	// ExternalIDParam names the request argument carrying a recruitment
	// platform's participant id; CompletionURL is shown to those
	// participants as a template variable.
	ExternalIDParam string
	CompletionURL   string

	// ToolMode turns sessions into free navigation without timeouts or
	// completion.
	ToolMode bool

	// Emitter receives lifecycle events. Sequencer stamps them with a
	// per-run sequence (default: a new Sequencer).
	Emitter   runtime.EventEmitter
	Sequencer *runtime.Sequencer

	// LastSeq reports the highest stored event sequence of a run. A
	// resumed run continues numbering after it.
	LastSeq func(ctx context.Context, runID string) (uint64, error)

	Logger *slog.Logger
	Now    func() time.Time
}

// RunOptions selects how StartRun opens a run.
type RunOptions struct {
	Mode core.RunMode

	// Target is the run to resume, or the source run to replicate.
	Target string

	// Conditions restricts new and replicate runs to these conditions.
	Conditions []string
}

type run struct {
	record   *record.Record
	pool     *profile.Pool
	complete atomic.Bool
}

// Engine owns everything that lives for one loaded bundle: the active
// run, its profile pool and the participant sessions.
type Engine struct {
	exp           Experiment
	catalog       bundle.Catalog
	layout        record.Layout
	store         *profile.Store
	writer        *results.Writer
	perCondition  int
	inactivity    time.Duration
	saveUA        bool
	saveIP        bool
	externalParam string
	completionURL string
	toolMode      bool
	emitter       runtime.EventEmitter
	sequencer     *runtime.Sequencer
	lastSeq       func(ctx context.Context, runID string) (uint64, error)
	logger        *slog.Logger
	now           func() time.Time

	// admit is held exclusively while a run starts or stops; admission
	// of new sessions holds it shared.
	admit sync.RWMutex

	mu        sync.RWMutex
	instances map[string]*Instance
	admitting map[string]struct{} // ids of sessions still being admitted
	run       *run

	obsMu     sync.RWMutex
	observers []func(Status)
}

// NewEngine validates cfg and creates an Engine with no active run.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Experiment == nil {
		return nil, errors.New("trialflow: experiment is nil")
	}
	if cfg.Layout.Root == "" {
		return nil, errors.New("trialflow: bundle root is required")
	}
	catalog, err := bundle.NewCatalog(cfg.Experiment.Conditions())
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store, err = profile.NewStore(profile.StoreConfig{Dir: cfg.Layout.Profiles(), Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Writer == nil {
		cfg.Writer, err = results.NewWriter(string(core.OutputCSV), nil)
		if err != nil {
			return nil, err
		}
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = bundle.DefaultInactivityTimeout
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = runtime.NewSequencer()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = func(runtime.Event) {}
	}

	return &Engine{
		exp:           cfg.Experiment,
		catalog:       catalog,
		layout:        cfg.Layout,
		store:         cfg.Store,
		writer:        cfg.Writer,
		perCondition:  cfg.ProfilesPerCondition,
		inactivity:    cfg.InactivityTimeout,
		saveUA:        cfg.SaveUserAgent,
		saveIP:        cfg.SaveIPHash,
		externalParam: cfg.ExternalIDParam,
		completionURL: cfg.CompletionURL,
		toolMode:      cfg.ToolMode,
		emitter:       cfg.Sequencer.Decorate(emitter),
		sequencer:     cfg.Sequencer,
		lastSeq:       cfg.LastSeq,
		logger:        cfg.Logger,
		now:           cfg.Now,
		instances:     make(map[string]*Instance),
		admitting:     make(map[string]struct{}),
	}, nil
}

// Experiment returns the experiment definition.
func (e *Engine) Experiment() Experiment {
	return e.exp
}

// Catalog returns the bundle's conditions.
func (e *Engine) Catalog() bundle.Catalog {
	return e.catalog
}

// Layout returns the bundle layout.
func (e *Engine) Layout() record.Layout {
	return e.layout
}

// Store returns the profile store.
func (e *Engine) Store() *profile.Store {
	return e.store
}

// Writer returns the result file writer.
func (e *Engine) Writer() *results.Writer {
	return e.writer
}

// ToolMode reports whether sessions navigate freely.
func (e *Engine) ToolMode() bool {
	return e.toolMode
}

// OnInstanceChanged registers fn to receive the status row of a session
// after every change. fn runs after the session's lock is released.
func (e *Engine) OnInstanceChanged(fn func(Status)) {
	if fn == nil {
		return
	}
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

func (e *Engine) notify(st Status) {
	e.obsMu.RLock()
	observers := slices.Clone(e.observers)
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(st)
	}
}

func (e *Engine) emit(ev runtime.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.emitter(ev)
}

// Record returns the run record of the active run.
func (e *Engine) Record() (*record.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.run == nil {
		return nil, false
	}
	return e.run.record, true
}

// PoolLen returns the number of profiles still offered by the active run.
func (e *Engine) PoolLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.run == nil {
		return 0
	}
	return e.run.pool.Len()
}

// Running reports whether a run is accepting participants.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run != nil
}

// RunComplete reports whether every profile of the active run has been
// completed and no session is still active.
func (e *Engine) RunComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run != nil && e.run.complete.Load()
}

func (e *Engine) currentRun() *run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run
}

// StartRun ends every active session, then opens the run described by
// opts and reloads the profile pool. No session is admitted until it
// returns.
func (e *Engine) StartRun(ctx context.Context, opts RunOptions) (*record.Record, error) {
	e.admit.Lock()
	defer e.admit.Unlock()

	e.endRunLocked()

	r, err := e.openRun(ctx, opts)
	if err != nil {
		// The previous run has ended either way.
		e.mu.Lock()
		e.run = nil
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	e.instances = make(map[string]*Instance)
	e.run = r
	e.mu.Unlock()

	// The record keeps the mode it was created with; resuming is a
	// property of this start only.
	mode := r.record.Mode()
	restored := 0
	if opts.Mode == core.RunModeResume {
		mode = core.RunModeResume
		e.continueSequence(ctx, r.record.ID())
		restored = e.restore(r)
	}

	e.logger.Info("run started",
		"run_id", r.record.ID(),
		"mode", mode,
		"replicate", r.record.Replicate(),
		"profiles", r.pool.Loaded(),
		"restored", restored,
	)
	e.emit(runtime.NewEvent(runtime.EventRunStarted, r.record.ID()).
		WithPayload("mode", string(mode)).
		WithPayload("replicate", r.record.Replicate()).
		WithPayload("profiles", r.pool.Loaded()).
		WithPayload("restored", restored))

	e.checkRunComplete(r)
	return r.record, nil
}

func (e *Engine) continueSequence(ctx context.Context, runID string) {
	if e.lastSeq == nil {
		return
	}
	seq, err := e.lastSeq(ctx, runID)
	if err != nil {
		e.logger.Warn("reading last event sequence", "run_id", runID, "error", err)
		return
	}
	e.sequencer.Resume(runID, seq)
}

// StopRun ends every active session and closes the run. New sessions are
// refused until the next StartRun.
func (e *Engine) StopRun(ctx context.Context) error {
	e.admit.Lock()
	defer e.admit.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.endRunLocked() {
		return ErrNoRun
	}
	e.mu.Lock()
	e.run = nil
	e.mu.Unlock()
	return nil
}

// endRunLocked terminates the active sessions of the current run and
// announces its end. The caller holds admit exclusively.
func (e *Engine) endRunLocked() bool {
	prev := e.currentRun()
	if prev == nil {
		return false
	}
	terminated := 0
	for _, inst := range e.Instances() {
		if inst.Terminate() {
			terminated++
		}
	}
	e.logger.Info("run finished", "run_id", prev.record.ID(), "terminated", terminated)
	e.emit(runtime.NewEvent(runtime.EventRunFinished, prev.record.ID()).
		WithPayload("terminated", terminated))
	return true
}

func (e *Engine) openRun(ctx context.Context, opts RunOptions) (*run, error) {
	now := e.now()
	var (
		rec   *record.Record
		conds []string
		err   error
	)

	switch opts.Mode {
	case core.RunModeNew, "":
		if conds, err = e.catalog.Select(opts.Conditions); err != nil {
			return nil, err
		}
		rec, err = record.Create(e.layout, record.CreateOptions{
			Mode:          core.RunModeNew,
			Conditions:    opts.Conditions,
			ConditionDirs: conds,
			Now:           now,
		})
	case core.RunModeReplicate:
		src, err := record.Open(e.layout, opts.Target)
		if err != nil {
			return nil, err
		}
		filter := opts.Conditions
		if len(filter) == 0 {
			filter = src.Conditions()
		}
		if conds, err = e.catalog.Select(filter); err != nil {
			return nil, err
		}
		rec, err = record.Create(e.layout, record.CreateOptions{
			Mode:          core.RunModeReplicate,
			Replicate:     src.ID(),
			Conditions:    filter,
			ConditionDirs: conds,
			Now:           now,
		})
		if err != nil {
			return nil, err
		}
	case core.RunModeResume:
		if rec, err = record.Open(e.layout, opts.Target); err != nil {
			return nil, err
		}
		if conds, err = e.catalog.Select(rec.Conditions()); err != nil {
			return nil, err
		}
		err = rec.MarkResumed(now)
	default:
		return nil, fmt.Errorf("trialflow: unknown run mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	var allowed map[string]struct{}
	if src := rec.Replicate(); src != "" {
		if allowed, err = e.layout.CompletedProfiles(src); err != nil {
			return nil, fmt.Errorf("trialflow: replicate source %s: %w", src, err)
		}
	}

	if err := e.ensureProfiles(ctx, conds); err != nil {
		return nil, err
	}
	pool, err := e.store.LoadPool(ctx, profile.LoadFilter{
		Conditions: conds,
		HasResult: func(p profile.Profile) bool {
			return e.layout.HasCompletedResult(rec.ID(), p)
		},
		Allowed: allowed,
	})
	if err != nil {
		return nil, err
	}
	return &run{record: rec, pool: pool}, nil
}

// ensureProfiles creates profiles for conditions that have none yet.
func (e *Engine) ensureProfiles(ctx context.Context, conds []string) error {
	if e.perCondition <= 0 {
		return nil
	}
	existing, err := e.store.Conditions()
	if err != nil {
		return err
	}
	var missing []string
	for _, c := range conds {
		if !slices.Contains(existing, c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	_, err = e.store.Make(ctx, missing, e.perCondition, e.exp.Ordering)
	return err
}

// MakeProfiles creates perCondition new profiles for each of conds (every
// condition when empty).
func (e *Engine) MakeProfiles(ctx context.Context, conds []string, perCondition int) ([]profile.Profile, error) {
	selected, err := e.catalog.Select(conds)
	if err != nil {
		return nil, err
	}
	return e.store.Make(ctx, selected, perCondition, e.exp.Ordering)
}

// Enter is the arrival path of a participant: a known session id returns
// its session, anything else starts a new one.
func (e *Engine) Enter(ip string, args map[string]string, sessionID string, opts ...InstanceOption) (*Instance, error) {
	if sessionID != "" {
		if inst, ok := e.Lookup(sessionID); ok {
			return inst, nil
		}
	}
	return e.NewInstance(ip, args, sessionID, opts...)
}

// NewInstance admits a new participant session. sessionID is used when it
// is not already taken; otherwise a fresh id is issued. When the intro
// does not end in a consent task, a profile is assigned immediately and
// ErrExperimentFull is returned if none is left.
func (e *Engine) NewInstance(ip string, args map[string]string, sessionID string, opts ...InstanceOption) (*Instance, error) {
	e.admit.RLock()
	defer e.admit.RUnlock()

	r := e.currentRun()
	if r == nil {
		return nil, ErrNoRun
	}
	var o instanceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.userID == "" && e.externalParam != "" {
		o.userID = args[e.externalParam]
	}

	if _, ent, ok := r.record.FindUser(o.userID); ok && ent.State == core.StateComplete {
		return nil, ErrAlreadyParticipated
	}
	if sessionID != "" {
		if ent, ok := r.record.Entry(sessionID); ok {
			if ent.State == core.StateComplete {
				return nil, ErrAlreadyParticipated
			}
			sessionID = ""
		}
	}
	sessionID = e.reserve(sessionID)
	inst, err := e.newInstance(r, sessionID, ip, args, o)
	if err == nil {
		err = inst.begin()
	}

	e.mu.Lock()
	delete(e.admitting, sessionID)
	if err == nil {
		e.instances[sessionID] = inst
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info("session started", "run_id", r.record.ID(), "sid", shortID(inst.sid), "ip", ip)
	inst.created()
	return inst, nil
}

// reserve claims sessionID for a session being admitted. An empty id, or
// one that is live or already being admitted, is replaced by a fresh one.
func (e *Engine) reserve(sessionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, live := e.instances[sessionID]
	_, pending := e.admitting[sessionID]
	if sessionID == "" || live || pending {
		sessionID = uuid.NewString()
	}
	e.admitting[sessionID] = struct{}{}
	return sessionID
}

// Lookup returns the session with the given id.
func (e *Engine) Lookup(sessionID string) (*Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[sessionID]
	return inst, ok
}

// Instances returns every session of the active run ordered by start time.
func (e *Engine) Instances() []*Instance {
	e.mu.RLock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Instance) int {
		if c := a.started.Compare(b.started); c != 0 {
			return c
		}
		return cmp.Compare(a.sid, b.sid)
	})
	return out
}

// Statuses returns the monitoring rows of every session.
func (e *Engine) Statuses() []Status {
	insts := e.Instances()
	out := make([]Status, len(insts))
	for i, inst := range insts {
		out[i] = inst.Status()
	}
	return out
}

// Terminate ends the session with the given id. Ending an already ended
// session is a no-op.
func (e *Engine) Terminate(sessionID string) error {
	inst, ok := e.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	inst.Terminate()
	return nil
}

// checkRunComplete marks r complete once its pool is empty and none of
// its sessions is active.
func (e *Engine) checkRunComplete(r *run) {
	if r == nil || r.pool.Len() > 0 || r != e.currentRun() {
		return
	}
	for _, inst := range e.Instances() {
		if inst.run == r && inst.State() == core.StateActive {
			return
		}
	}
	if r.complete.CompareAndSwap(false, true) {
		e.logger.Info("run complete", "run_id", r.record.ID())
		e.emit(runtime.NewEvent(runtime.EventRunComplete, r.record.ID()))
	}
}

func shortID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
