package trialflow

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/results"
)

// restore brings back the sessions of a resumed run that were active with
// a profile when the process stopped. Their profiles are taken out of the
// pool, their graphs rebuilt and their responses read back from the
// per-task files. It returns the number of sessions restored.
func (e *Engine) restore(r *run) int {
	md := r.record.Snapshot()
	restored := 0
	for _, sid := range slices.Sorted(maps.Keys(md.Participants)) {
		ent := md.Participants[sid]
		if ent.State != core.StateActive || ent.Profile == "" {
			continue
		}
		p, ok := r.pool.Claim(ent.Profile)
		if !ok {
			e.logger.Warn("resume: profile not in pool", "run_id", r.record.ID(), "sid", shortID(sid), "profile", ent.Profile)
			continue
		}
		inst, err := e.restoreInstance(r, sid, ent, p)
		if err != nil {
			r.pool.Return(p)
			e.logger.Error("resume: restore session", "run_id", r.record.ID(), "sid", shortID(sid), "error", err)
			continue
		}
		e.mu.Lock()
		e.instances[sid] = inst
		e.mu.Unlock()
		restored++
		e.logger.Info("resume: session restored", "sid", shortID(sid), "profile", p.FQName(), "task_id", ent.TaskID)
	}
	return restored
}

func (e *Engine) restoreInstance(r *run, sid string, ent record.Entry, p profile.Profile) (*Instance, error) {
	journal := results.NewJournal(e.layout.Session(r.record.ID(), sid))
	pseudo, err := journal.LoadPseudo()
	if err != nil {
		return nil, err
	}
	entries, err := journal.Load()
	if err != nil {
		return nil, err
	}

	inst, err := e.newInstance(r, sid, "", nil, instanceOptions{userID: ent.UserID})
	if err != nil {
		return nil, err
	}
	if err := buildMain(e.exp, inst.graph, inst.anchor, p); err != nil {
		return nil, err
	}
	cur, ok := inst.graph.Task(ent.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: task %d of %d", ErrNoSuchTask, ent.TaskID, inst.graph.Len())
	}

	inst.profile = p
	inst.journal = journal
	inst.current = cur
	if len(pseudo) > 0 {
		inst.pseudo = pseudo
		inst.started = pseudo[0].Time
	}
	for _, en := range entries {
		inst.responses[en.TaskID] = en.Response
	}
	if e.toolMode {
		inst.vars[VarNavItems] = inst.navItemsLocked()
	}
	inst.vars[VarNumTasks] = inst.graph.Len()
	inst.updateVarsLocked()

	now := e.now()
	inst.rearmLocked(now)
	return inst, nil
}

// rearmLocked restarts the deadlines of a restored session: the nearest
// deadline setting on the path to the current task applies from now.
func (i *Instance) rearmLocked(now time.Time) {
	i.inactDue = now.Add(i.engine.inactivity)
	for t, ok := i.current, true; ok; t, ok = t.Prev() {
		if d, set := t.Timeout(); set {
			if d >= 0 {
				i.globalDue = now.Add(d)
			}
			return
		}
	}
}
