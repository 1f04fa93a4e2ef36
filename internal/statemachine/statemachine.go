// Package statemachine holds the supervisor's single lifecycle state and
// validates transitions against a fixed table.
package statemachine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is one of the four lifecycle values a supervisor can occupy.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// transitions enumerates every permitted move. Any pair not present here
// must be rejected by TransitionTo without changing state.
var transitions = map[State]map[State]bool{
	Idle:     {Starting: true},
	Starting: {Running: true, Idle: true},
	Running:  {Stopping: true, Idle: true},
	Stopping: {Idle: true},
}

// ErrInvalidTransition is returned by TransitionTo when the move is not in
// the transition table.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// StateMachine stores the current lifecycle state. Current is lock-free;
// TransitionTo serializes validation-and-store against concurrent callers.
type StateMachine struct {
	mu    sync.Mutex
	state atomic.Int32
}

// New returns a StateMachine initialized to Idle.
func New() *StateMachine {
	sm := &StateMachine{}
	sm.state.Store(int32(Idle))
	return sm
}

// Current returns the current state without blocking.
func (sm *StateMachine) Current() State {
	return State(sm.state.Load())
}

// TransitionTo attempts to move from the current state to target. On
// success the new state is stored and nil is returned. On failure the
// state is left unchanged and an *ErrInvalidTransition is returned.
func (sm *StateMachine) TransitionTo(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	current := State(sm.state.Load())
	if !transitions[current][target] {
		return &ErrInvalidTransition{From: current, To: target}
	}
	sm.state.Store(int32(target))
	return nil
}
