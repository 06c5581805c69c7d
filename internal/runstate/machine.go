// Package runstate holds the lifecycle state machine of a run and the
// cooperative controls (pause, resume, stop, cancel) the crawl loop observes
// between work items.
package runstate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

var (
	// ErrInvalidTransition is returned for a move the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid run state transition")
	// ErrStopped is returned by a checkpoint once discovery has been stopped.
	ErrStopped = errors.New("run stopped")
	// ErrCancelled is returned by a checkpoint once the run has been cancelled.
	ErrCancelled = errors.New("run cancelled")
)

var transitions = map[schemas.RunStatus][]schemas.RunStatus{
	schemas.RunPending:           {schemas.RunRunning},
	schemas.RunRunning:           {schemas.RunPaused, schemas.RunReadyForExecution, schemas.RunCancelled, schemas.RunFailed},
	schemas.RunPaused:            {schemas.RunRunning, schemas.RunReadyForExecution, schemas.RunCancelled},
	schemas.RunReadyForExecution: {schemas.RunExecuting},
	schemas.RunExecuting:         {schemas.RunCompleted, schemas.RunCancelled, schemas.RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to schemas.RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes a completed transition.
type TransitionFunc func(from, to schemas.RunStatus)

// Machine is the lifecycle of one run. It is safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	status    schemas.RunStatus
	changed   chan struct{}
	observers []TransitionFunc
}

// NewMachine starts a machine at the given status, which is usually pending.
func NewMachine(initial schemas.RunStatus) *Machine {
	if initial == "" {
		initial = schemas.RunPending
	}
	return &Machine{status: initial, changed: make(chan struct{})}
}

// Status returns the current status.
func (m *Machine) Status() schemas.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnTransition registers fn to run after every transition, in the goroutine
// that made it.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Transition moves the machine to next.
func (m *Machine) Transition(next schemas.RunStatus) error {
	return m.TransitionFrom(nil, next)
}

// TransitionFrom moves the machine to next only when the current status is one
// of from. A nil from accepts any status the lifecycle allows.
func (m *Machine) TransitionFrom(from []schemas.RunStatus, next schemas.RunStatus) error {
	m.mu.Lock()
	cur := m.status
	if from != nil && !contains(from, cur) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	if !CanTransition(cur, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	m.status = next
	close(m.changed)
	m.changed = make(chan struct{})
	observers := append([]TransitionFunc(nil), m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(cur, next)
	}
	return nil
}

// watch returns the current status and a channel closed at the next transition.
func (m *Machine) watch() (schemas.RunStatus, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.changed
}

func contains(list []schemas.RunStatus, s schemas.RunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
