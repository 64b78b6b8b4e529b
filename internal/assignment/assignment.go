// Package assignment holds the executor-side record of a delegation and
// its lifecycle state machine.
package assignment

import (
	"fmt"
	"sync"
	"time"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// State is an assignment lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// transitions is the legal transition table. Terminal states have no entry.
var transitions = map[State][]State{
	StatePending: {StateActive, StateError},
	StateActive:  {StateCompleted, StateError},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result is the runner's outcome retained for getTaskResult.
type Result struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
	ResultRef  string   `json:"resultRef,omitempty"`
}

// Error is the recorded failure of an assignment.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Assignment is the executor-owned record; its ID equals the delegation ID
// on the delegator side.
type Assignment struct {
	ID          string           `json:"id"`
	State       State            `json:"state"`
	Invite      *protocol.Invite `json:"invite"`
	WorkPath    string           `json:"workPath"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Result      *Result          `json:"result,omitempty"`
	Error       *Error           `json:"error,omitempty"`

	mu sync.Mutex
}

// New creates a pending assignment from a verbatim INVITE.
func New(invite *protocol.Invite, workPath string) *Assignment {
	now := time.Now().UTC()
	return &Assignment{
		ID:        invite.DelegationID,
		State:     StatePending,
		Invite:    invite,
		WorkPath:  workPath,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the assignment to the given state, enforcing the table.
func (a *Assignment) Transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State.Terminal() {
		return fmt.Errorf("assignment %s is %s: no further transitions", a.ID, a.State)
	}
	if !CanTransition(a.State, to) {
		return fmt.Errorf("assignment %s: illegal transition %s -> %s", a.ID, a.State, to)
	}
	now := time.Now().UTC()
	switch to {
	case StateActive:
		a.StartedAt = &now
	case StateCompleted, StateError:
		a.CompletedAt = &now
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}

// Complete records the result and transitions to completed.
func (a *Assignment) Complete(result *Result) error {
	if err := a.Transition(StateCompleted); err != nil {
		return err
	}
	a.mu.Lock()
	a.Result = result
	a.mu.Unlock()
	return nil
}

// Fail records the error and transitions to the error state.
func (a *Assignment) Fail(code, message, hint string) error {
	if err := a.Transition(StateError); err != nil {
		return err
	}
	a.mu.Lock()
	a.Error = &Error{Code: code, Message: message, Hint: hint}
	a.mu.Unlock()
	return nil
}

// CurrentState returns the state under the record lock.
func (a *Assignment) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.State
}
