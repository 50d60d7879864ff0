package runner

import (
	"os/exec"
	"sync"
	"time"
)

// State is a run's lifecycle position. Pending until the first frame
// is routed for it, Active once data arrives, then Closed on normal
// process exit or Errored when the spawn or execution fails before
// any data. Terminal states trigger automatic unregistration.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateClosed  State = "closed"
	StateErrored State = "errored"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Run is one tracked invocation of a subprocess producing payloads.
type Run struct {
	ID        string
	Command   string
	Args      []string
	Cmd       *exec.Cmd
	StartTime time.Time
	EndTime   *time.Time
	ExitCode  *int

	state  State
	cancel func()
	mu     sync.RWMutex
}

// CurrentState returns the run's lifecycle state.
func (r *Run) CurrentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// markActive transitions Pending to Active on first data received.
func (r *Run) markActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StatePending {
		r.state = StateActive
	}
}

// finish records a terminal state unless one is already set, and
// reports whether the transition happened.
func (r *Run) finish(state State, exitCode *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = state
	now := time.Now()
	r.EndTime = &now
	r.ExitCode = exitCode
	return true
}
