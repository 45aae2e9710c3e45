package trialflow

import (
	"fmt"
	"time"

	"github.com/petal-labs/trialflow/runtime"
)

// In tool mode a session is a free walk over its task graph: every move
// stores the response to the page being left and rewrites the result file,
// and the session never times out or completes.

// Prev stores resp and moves back to the task the current one was reached
// from.
func (i *Instance) Prev(resp any) (View, error) {
	return i.navigate(resp, func() (Task, error) {
		prev, ok := i.current.Prev()
		if !ok {
			return Task{}, fmt.Errorf("%w: task %d has no predecessor", ErrNoSuchTask, i.current.ID())
		}
		return prev, nil
	})
}

// GoTo stores resp and jumps to a navigation item (NavFirst or NavLast).
func (i *Instance) GoTo(label string, resp any) (View, error) {
	return i.navigate(resp, func() (Task, error) {
		for _, item := range i.navItemsLocked() {
			if item != label {
				continue
			}
			if label == NavFirst {
				return i.first, nil
			}
			if last, ok := i.graph.Last(); ok {
				return last, nil
			}
		}
		return Task{}, fmt.Errorf("%w: navigation item %q", ErrNoSuchTask, label)
	})
}

// GoToID stores resp and jumps to task id.
func (i *Instance) GoToID(id int, resp any) (View, error) {
	return i.navigate(resp, func() (Task, error) {
		t, ok := i.graph.Task(id)
		if !ok {
			return Task{}, fmt.Errorf("%w: %d", ErrNoSuchTask, id)
		}
		return t, nil
	})
}

// NavItems returns the labels GoTo accepts.
func (i *Instance) NavItems() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.navItemsLocked()
}

func (i *Instance) navItemsLocked() []string {
	if _, ok := i.graph.Last(); ok {
		return []string{NavFirst, NavLast}
	}
	return nil
}

func (i *Instance) navigate(resp any, dest func() (Task, error)) (View, error) {
	i.mu.Lock()
	defer i.unlock()
	if !i.engine.toolMode {
		return i.viewLocked(), ErrToolModeOnly
	}
	return i.navLocked(i.engine.now(), resp, dest)
}

func (i *Instance) navLocked(now time.Time, resp any, dest func() (Task, error)) (View, error) {
	i.storeLocked(now, resp)
	next, err := dest()
	if err != nil {
		return i.viewLocked(), err
	}
	i.current = next
	i.updateVarsLocked()
	if !i.profile.IsZero() {
		i.saveResponsesLocked()
		i.saveEntryLocked(now)
	}
	i.pending = append(i.pending, i.eventLocked(runtime.EventInstanceUpdated, now))
	return i.viewLocked(), nil
}
