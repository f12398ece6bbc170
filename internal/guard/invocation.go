package guard

import (
	"context"
	"sync"
	"time"

	"github.com/jvs-project/runguard/pkg/model"
)

// State is the position of an invocation in its lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateChecking      State = "checking"
	StateRunning       State = "running"
	StateBlocked       State = "blocked"
	StateReleasedOK    State = "released_ok"
	StateReleasedError State = "released_error"
)

// Invocation is one execution of a registered command.
type Invocation struct {
	ID string

	cmd         *Command
	result      model.AcquireResult
	passthrough bool

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (i *Invocation) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Command returns the command being executed.
func (i *Invocation) Command() *Command { return i.cmd }

// Result returns the acquisition result; zero for pass-through commands.
func (i *Invocation) Result() model.AcquireResult { return i.result }

// Remaining returns the time left on the blocking lease.
func (i *Invocation) Remaining() time.Duration { return i.result.Remaining }

// AfterSuccess releases the lease after the body completed.
func (i *Invocation) AfterSuccess(ctx context.Context) {
	i.finish(ctx, model.OutcomeSuccess, nil)
}

// AfterError releases the lease after the body failed with runErr.
func (i *Invocation) AfterError(ctx context.Context, runErr error) {
	i.finish(ctx, model.OutcomeError, runErr)
}

// finish releases the lease exactly once. Only a Running invocation holds a
// lease; every other state is left alone. Release failures are logged.
func (i *Invocation) finish(ctx context.Context, outcome model.RunOutcome, runErr error) {
	i.mu.Lock()
	if i.state != StateRunning {
		i.mu.Unlock()
		return
	}
	if outcome == model.OutcomeSuccess {
		i.state = StateReleasedOK
	} else {
		i.state = StateReleasedError
	}
	i.mu.Unlock()

	if i.passthrough {
		return
	}

	g := i.cmd.g
	if err := g.store.Release(i.cmd.key); err != nil {
		g.recordError(i.cmd.name, err)
		g.log.Warn("lease release failed", map[string]any{
			"job":   i.cmd.name,
			"key":   string(i.cmd.key),
			"error": err.Error(),
		})
	}

	ev := i.event(model.EventTypeLeaseReleased, 0)
	ev.Outcome = outcome
	ev.Err = runErr
	g.emit(ctx, ev)
}

func (i *Invocation) event(typ model.AuditEventType, remaining time.Duration) model.GuardEvent {
	ev := model.GuardEvent{
		Type:         typ,
		Job:          i.cmd.name,
		Key:          i.cmd.key,
		InvocationID: i.ID,
		Remaining:    remaining,
	}
	if rec := i.result.Record; rec != nil {
		ev.Holder = rec.Holder
	}
	return ev
}
