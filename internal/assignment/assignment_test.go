package assignment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

func newTestAssignment() *Assignment {
	invite := &protocol.Invite{
		Envelope: protocol.NewEnvelope(protocol.MessageTypeInvite, "d-1"),
		Task:     protocol.TaskSpec{Description: "test"},
		Lease:    protocol.LeaseConfig{TTLSeconds: 60, AccessMode: protocol.AccessRW},
	}
	return New(invite, "/work/d-1")
}

func TestAssignmentLifecycle(t *testing.T) {
	a := newTestAssignment()
	assert.Equal(t, "d-1", a.ID)
	assert.Equal(t, StatePending, a.CurrentState())

	require.NoError(t, a.Transition(StateActive))
	require.NotNil(t, a.StartedAt)

	require.NoError(t, a.Complete(&Result{Summary: "done"}))
	assert.Equal(t, StateCompleted, a.CurrentState())
	require.NotNil(t, a.CompletedAt)
	assert.Equal(t, "done", a.Result.Summary)
}

func TestAssignmentPendingToCompletedRejected(t *testing.T) {
	a := newTestAssignment()
	assert.Error(t, a.Transition(StateCompleted))
	assert.Equal(t, StatePending, a.CurrentState())
}

func TestAssignmentTerminalRejectsFurtherTransitions(t *testing.T) {
	a := newTestAssignment()
	require.NoError(t, a.Transition(StateActive))
	require.NoError(t, a.Fail("TASK_FAILED", "runner crashed", ""))
	assert.Equal(t, StateError, a.CurrentState())
	require.NotNil(t, a.Error)
	assert.Equal(t, "TASK_FAILED", a.Error.Code)

	assert.Error(t, a.Transition(StateCompleted))
	assert.Error(t, a.Complete(&Result{}))
}

func TestCompleteLosesRaceToFail(t *testing.T) {
	a := newTestAssignment()
	require.NoError(t, a.Transition(StateActive))
	require.NoError(t, a.Fail("CANCELLED", "cancelled", ""))
	assert.Error(t, a.Complete(&Result{Summary: "too late"}))
	assert.Equal(t, StateError, a.CurrentState())
	assert.Nil(t, a.Result)
}
