package trialflow

import (
	"context"
	"fmt"

	"github.com/petal-labs/trialflow/core"
)

// SimulatedIP is the client address of simulated sessions.
const SimulatedIP = "127.0.0.1"

// Simulate runs n simulated participants through the active run, each
// submitting every task's dummy response until its session ends or its
// current page is final. It stops at the first error, which includes
// ErrExperimentFull once the pool is exhausted.
func (e *Engine) Simulate(ctx context.Context, n int) ([]*Instance, error) {
	var done []*Instance
	for range n {
		inst, err := e.NewInstance(SimulatedIP, nil, "", WithDummy())
		if err != nil {
			return done, err
		}
		done = append(done, inst)

		for inst.State() == core.StateActive {
			if err := ctx.Err(); err != nil {
				return done, err
			}
			v := inst.Present()
			if v.Final {
				break
			}
			if _, err := inst.NextTask(inst.dummyResponse()); err != nil {
				return done, fmt.Errorf("simulate %s at task %d: %w", shortID(inst.sid), v.TaskID, err)
			}
		}
	}
	return done, nil
}

func (i *Instance) dummyResponse() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	if d := i.current.Dummy(); d != nil {
		return d
	}
	if len(i.current.Next()) > 1 {
		return 0
	}
	return nil
}
