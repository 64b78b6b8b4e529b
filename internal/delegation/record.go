package delegation

import (
	"fmt"
	"sync"
	"time"

	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Result is the executor's reported outcome.
type Result struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Error is the recorded failure of a delegation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Transition is one recorded state change, kept for observability.
type Transition struct {
	Event Event     `json:"event"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
}

// Delegation is the delegator-owned record of one unit of delegated work.
// All state changes go through Apply, which serializes on the record mutex
// and enforces the transition table.
type Delegation struct {
	ID                  string                `json:"id"`
	State               State                 `json:"state"`
	PeerURL             string                `json:"peerUrl"`
	Environment         *environment.Spec     `json:"environment"`
	Task                protocol.TaskSpec     `json:"task"`
	LeaseConfig         protocol.LeaseConfig  `json:"leaseConfig"`
	ActiveLease         *protocol.ActiveLease `json:"activeLease,omitempty"`
	ExecutorWorkDir     string                `json:"executorWorkDir,omitempty"`
	ExecutorConstraints *protocol.Constraints `json:"executorConstraints,omitempty"`
	Result              *Result               `json:"result,omitempty"`
	Error               *Error                `json:"error,omitempty"`
	CreatedAt           time.Time             `json:"createdAt"`
	UpdatedAt           time.Time             `json:"updatedAt"`
	History             []Transition          `json:"history,omitempty"`

	mu sync.Mutex
}

// New creates a delegation record in state created.
func New(id, peerURL string, env *environment.Spec, task protocol.TaskSpec, lease protocol.LeaseConfig) *Delegation {
	now := time.Now().UTC()
	return &Delegation{
		ID:          id,
		State:       StateCreated,
		PeerURL:     peerURL,
		Environment: env,
		Task:        task,
		LeaseConfig: lease,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Apply drives the state machine with an event and, for inbound messages,
// patches the record from the message payload. It rejects transitions out
// of terminal states and transitions not in the table.
func (d *Delegation) Apply(event Event, msg protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	to, err := event.Target()
	if err != nil {
		return err
	}
	if d.State.Terminal() {
		return fmt.Errorf("delegation %s is %s: no transition on %s", d.ID, d.State, event)
	}
	if !CanTransition(d.State, to) {
		return fmt.Errorf("delegation %s: illegal transition %s -> %s on %s", d.ID, d.State, to, event)
	}

	switch m := msg.(type) {
	case *protocol.Accept:
		d.ExecutorWorkDir = m.ExecutorWorkDir.Path
		d.ExecutorConstraints = m.ExecutorConstraints
	case *protocol.Done:
		d.Result = &Result{
			Summary:    m.FinalSummary,
			Highlights: m.Highlights,
			Notes:      m.Notes,
		}
	case *protocol.ErrorMessage:
		d.Error = &Error{Code: m.Code, Message: m.Message, Hint: m.Hint}
	}

	now := time.Now().UTC()
	d.History = append(d.History, Transition{Event: event, From: d.State, To: to, At: now})
	d.State = to
	d.UpdatedAt = now
	return nil
}

// Fail records a local error and transitions to the event's target state
// (error, cancelled or expired).
func (d *Delegation) Fail(event Event, code, message, hint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State.Terminal() {
		return fmt.Errorf("delegation %s is %s: no transition on %s", d.ID, d.State, event)
	}
	to, err := event.Target()
	if err != nil {
		return err
	}
	if !CanTransition(d.State, to) {
		return fmt.Errorf("delegation %s: illegal transition %s -> %s on %s", d.ID, d.State, to, event)
	}
	d.Error = &Error{Code: code, Message: message, Hint: hint}
	now := time.Now().UTC()
	d.History = append(d.History, Transition{Event: event, From: d.State, To: to, At: now})
	d.State = to
	d.UpdatedAt = now
	return nil
}

// SetActiveLease stores the final lease before START is sent.
func (d *Delegation) SetActiveLease(lease protocol.ActiveLease) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ActiveLease = &lease
	d.UpdatedAt = time.Now().UTC()
}

// CurrentState returns the state under the record lock.
func (d *Delegation) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}
