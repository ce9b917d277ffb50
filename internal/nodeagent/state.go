package nodeagent

import (
	"sync"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/internal/errors"
)

// State is the node agent's lifecycle state.
type State string

// Agent lifecycle states.
const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"  // coordinator unreachable
	StateDraining State = "draining" // host memory pressure, no new work
	StateStopped  State = "stopped"
)

const maxBackoff = time.Minute

// StateMachine tracks the agent's lifecycle state and the backoff applied
// while the coordinator is unreachable.
type StateMachine struct {
	mu           sync.RWMutex
	state        State
	stateReason  string
	failures     int
	backoffBase  time.Duration
	backoffUntil time.Time
	pressure     bool
	clock        errors.Clock
}

// NewStateMachine creates a StateMachine starting in StateStarting. base is
// the first backoff step; each consecutive failure doubles it up to a minute.
func NewStateMachine(clock errors.Clock, base time.Duration) *StateMachine {
	return &StateMachine{
		state:       StateStarting,
		clock:       clock,
		backoffBase: base,
	}
}

// State returns the current agent state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// StateReason returns the human-readable reason for the current state.
func (sm *StateMachine) StateReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stateReason
}

// TransitionTo directly sets the agent state with a reason.
func (sm *StateMachine) TransitionTo(state State, reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.stateReason = reason
}

// HandleCoordinatorResult records the outcome of a call to the coordinator.
// Failures move the agent into backoff; a success clears it.
func (sm *StateMachine) HandleCoordinatorResult(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state == StateStopped {
		return
	}

	if err == nil {
		sm.failures = 0
		sm.backoffUntil = time.Time{}
		if sm.state != StateRunning && !sm.pressure {
			sm.state = StateRunning
			sm.stateReason = ""
		}
		return
	}

	sm.failures++
	backoff := sm.backoffBase << (sm.failures - 1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	sm.backoffUntil = sm.clock.Now().Add(backoff)
	if !sm.pressure {
		sm.state = StateBackoff
		sm.stateReason = err.Error()
	}
}

// SetMemoryPressure drains the agent while the host is short of RAM.
func (sm *StateMachine) SetMemoryPressure(on bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state == StateStopped || sm.pressure == on {
		return
	}
	sm.pressure = on
	switch {
	case on:
		sm.state = StateDraining
		sm.stateReason = "host memory pressure"
	case sm.failures > 0:
		sm.state = StateBackoff
		sm.stateReason = "coordinator unreachable"
	default:
		sm.state = StateRunning
		sm.stateReason = ""
	}
}

// AcceptingWork reports whether new assignments should be executed. Work
// still runs during a coordinator backoff since the assignment arrived.
func (sm *StateMachine) AcceptingWork() bool {
	s := sm.State()
	return s == StateRunning || s == StateBackoff
}

// IsBackoffExpired returns true if the backoff period has elapsed.
func (sm *StateMachine) IsBackoffExpired() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return !sm.clock.Now().Before(sm.backoffUntil)
}

// BackoffRemaining returns the duration until backoff expires, or 0 if expired.
func (sm *StateMachine) BackoffRemaining() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	remaining := sm.backoffUntil.Sub(sm.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
