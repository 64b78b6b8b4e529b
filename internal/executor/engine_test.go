package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awcp/awcp/internal/admission"
	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/events/bus"
	"github.com/awcp/awcp/internal/transport"
	v1 "github.com/awcp/awcp/pkg/api/v1"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// fakeTransport is an in-memory executor transport: setup writes a marker
// file, teardown returns inline bytes.
type fakeTransport struct {
	mu        sync.Mutex
	available bool
	setups    int
	teardowns int
	setupErr  error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{available: true} }

func (f *fakeTransport) Kind() string { return "archive" }
func (f *fakeTransport) Capabilities() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: true}
}
func (f *fakeTransport) CheckDependency(ctx context.Context) transport.DependencyStatus {
	return transport.DependencyStatus{Available: f.available, Hint: "install it"}
}
func (f *fakeTransport) Setup(ctx context.Context, req transport.SetupRequest) (string, error) {
	f.mu.Lock()
	f.setups++
	err := f.setupErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(req.WorkDir, "env.txt"), []byte("env"), 0o644); err != nil {
		return "", err
	}
	return req.WorkDir, nil
}
func (f *fakeTransport) Teardown(ctx context.Context, req transport.TeardownRequest) (*transport.ResultRef, error) {
	f.mu.Lock()
	f.teardowns++
	f.mu.Unlock()
	return &transport.ResultRef{Data: []byte("result-bytes")}, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type engineFixture struct {
	engine    *Engine
	transport *fakeTransport
	bus       *bus.MemoryBus
	workDir   string
}

func newFixture(t *testing.T, runner Runner, limits admission.Limits) *engineFixture {
	t.Helper()
	workDir := t.TempDir()
	tr := newFakeTransport()
	eventBus := bus.NewMemoryBus()
	engine := NewEngine(
		Config{WorkDir: workDir, CancelGrace: 200 * time.Millisecond},
		admission.NewController(limits, testLogger(t)),
		tr,
		runner,
		eventBus,
		nil,
		Hooks{},
		testLogger(t),
	)
	t.Cleanup(engine.Stop)
	return &engineFixture{engine: engine, transport: tr, bus: eventBus, workDir: workDir}
}

func invite(id string, ttl int) *protocol.Invite {
	return &protocol.Invite{
		Envelope:    protocol.NewEnvelope(protocol.MessageTypeInvite, id),
		Task:        protocol.TaskSpec{Description: "test", Prompt: "do the thing"},
		Lease:       protocol.LeaseConfig{TTLSeconds: ttl, AccessMode: protocol.AccessRW},
		Environment: []protocol.ResourceDecl{{Name: "workspace", Mode: protocol.AccessRW}},
	}
}

func startMsg(t *testing.T, id string, expires time.Time) *protocol.Start {
	t.Helper()
	start := &protocol.Start{
		Envelope: protocol.NewEnvelope(protocol.MessageTypeStart, id),
		Lease:    protocol.ActiveLease{ExpiresAt: expires, AccessMode: protocol.AccessRW},
	}
	// The fake transport ignores the handle content; any tagged handle works.
	start.WorkDir = json.RawMessage(`{"transport":"archive","checksum":"x","expiresAt":"2030-01-01T00:00:00Z"}`)
	return start
}

func sleepRunner(d time.Duration) Runner {
	return RunnerFunc(func(ctx context.Context, req *TaskRequest, progress ProgressFunc) (*TaskResult, error) {
		select {
		case <-time.After(d):
			return &TaskResult{Summary: "slept"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func instantRunner(summary string) Runner {
	return RunnerFunc(func(ctx context.Context, req *TaskRequest, progress ProgressFunc) (*TaskResult, error) {
		progress("working", 50)
		return &TaskResult{Summary: summary, Highlights: []string{"did a thing"}}, nil
	})
}

func waitForStatus(t *testing.T, e *Engine, id, want string) *v1.TaskResultView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if result := e.GetTaskResult(id); result.Status == want {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	result := e.GetTaskResult(id)
	t.Fatalf("delegation %s never reached %s, last status %s", id, want, result.Status)
	return nil
}

func TestInviteAcceptedWithConstraints(t *testing.T) {
	fx := newFixture(t, instantRunner("ok"), admission.Limits{MaxTTLSeconds: 100})

	reply, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)

	accept, ok := reply.(*protocol.Accept)
	require.True(t, ok, "got %T", reply)
	assert.Equal(t, filepath.Join(fx.workDir, "d-1"), accept.ExecutorWorkDir.Path)
	require.NotNil(t, accept.ExecutorConstraints)
	// Requested 60s is within the 100s cap and is granted as requested.
	assert.Equal(t, 60, accept.ExecutorConstraints.MaxTTLSeconds)

	// Work directory exists and is private.
	info, err := os.Stat(accept.ExecutorWorkDir.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestInviteDeclinedOverConcurrency(t *testing.T) {
	fx := newFixture(t, sleepRunner(10*time.Second), admission.Limits{MaxConcurrentDelegations: 1})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	reply, err := fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	require.Nil(t, reply)
	waitForStatus(t, fx.engine, "d-1", v1.TaskStatusRunning)

	reply, err = fx.engine.HandleMessage(context.Background(), invite("d-2", 60))
	require.NoError(t, err)
	errMsg, ok := reply.(*protocol.ErrorMessage)
	require.True(t, ok, "got %T", reply)
	assert.Equal(t, awcperrors.CodeDeclined, errMsg.Code)

	// Declined invitations leave no record behind.
	assert.Equal(t, v1.TaskStatusNotFound, fx.engine.GetTaskResult("d-2").Status)
}

func TestInviteDeclinedMissingDependency(t *testing.T) {
	fx := newFixture(t, instantRunner("ok"), admission.Limits{})
	fx.transport.available = false

	reply, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	errMsg, ok := reply.(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, awcperrors.CodeDepMissing, errMsg.Code)
	assert.Equal(t, "install it", errMsg.Hint)
}

func TestInviteAuthFailure(t *testing.T) {
	workDir := t.TempDir()
	auth := NewAuthManager()
	auth.AddVerifier(NewTokenVerifier("sekret"))
	engine := NewEngine(
		Config{WorkDir: workDir},
		admission.NewController(admission.Limits{}, testLogger(t)),
		newFakeTransport(),
		instantRunner("ok"),
		bus.NewMemoryBus(),
		auth,
		Hooks{},
		testLogger(t),
	)
	t.Cleanup(engine.Stop)

	inv := invite("d-1", 60)
	reply, err := engine.HandleMessage(context.Background(), inv)
	require.NoError(t, err)
	errMsg := reply.(*protocol.ErrorMessage)
	assert.Equal(t, awcperrors.CodeAuthFailed, errMsg.Code)

	inv.Auth = &protocol.Auth{Type: "token", Credential: "sekret"}
	reply, err = engine.HandleMessage(context.Background(), inv)
	require.NoError(t, err)
	_, ok := reply.(*protocol.Accept)
	assert.True(t, ok)
}

func TestHappyPathEmitsDoneEvent(t *testing.T) {
	fx := newFixture(t, instantRunner("inspected the files"), admission.Limits{})

	var events []*protocol.TaskEvent
	var mu sync.Mutex
	unsub, err := fx.engine.SubscribeTask("d-1", func(ev *protocol.TaskEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	_, err = fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	reply, err := fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	require.Nil(t, reply)

	result := waitForStatus(t, fx.engine, "d-1", v1.TaskStatusCompleted)
	assert.Equal(t, "inspected the files", result.Summary)
	assert.Equal(t, []string{"did a thing"}, result.Highlights)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, protocol.TaskEventDone, last.Type)
	assert.Equal(t, "inspected the files", last.Summary)
	assert.NotEmpty(t, last.ResultBase64)

	// Workspace is removed after the terminal transition.
	_, statErr := os.Stat(filepath.Join(fx.workDir, "d-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunnerFailureEmitsTaskFailed(t *testing.T) {
	failing := RunnerFunc(func(ctx context.Context, req *TaskRequest, progress ProgressFunc) (*TaskResult, error) {
		return nil, assert.AnError
	})
	fx := newFixture(t, failing, admission.Limits{})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)

	result := waitForStatus(t, fx.engine, "d-1", v1.TaskStatusError)
	require.NotNil(t, result.Error)
	assert.Equal(t, awcperrors.CodeTaskFailed, result.Error.Code)
}

func TestLeaseExpiryMidRun(t *testing.T) {
	fx := newFixture(t, sleepRunner(10*time.Second), admission.Limits{})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(300*time.Millisecond)))
	require.NoError(t, err)

	result := waitForStatus(t, fx.engine, "d-1", v1.TaskStatusError)
	require.NotNil(t, result.Error)
	assert.Equal(t, awcperrors.CodeExpired, result.Error.Code)
}

func TestStartExpiredLease(t *testing.T) {
	fx := newFixture(t, instantRunner("ok"), admission.Limits{})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	reply, err := fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(-time.Second)))
	require.NoError(t, err)

	errMsg, ok := reply.(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, awcperrors.CodeStartExpired, errMsg.Code)
}

func TestCancelMidRun(t *testing.T) {
	fx := newFixture(t, sleepRunner(10*time.Second), admission.Limits{})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	waitForStatus(t, fx.engine, "d-1", v1.TaskStatusRunning)

	require.NoError(t, fx.engine.CancelDelegation(context.Background(), "d-1"))
	result := waitForStatus(t, fx.engine, "d-1", v1.TaskStatusError)
	require.NotNil(t, result.Error)
	assert.Equal(t, awcperrors.CodeCancelled, result.Error.Code)

	// Cancel is idempotent after the terminal transition.
	require.NoError(t, fx.engine.CancelDelegation(context.Background(), "d-1"))

	_, statErr := os.Stat(filepath.Join(fx.workDir, "d-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartWithoutInviteRejected(t *testing.T) {
	fx := newFixture(t, instantRunner("ok"), admission.Limits{})
	reply, err := fx.engine.HandleMessage(context.Background(), startMsg(t, "ghost", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	errMsg, ok := reply.(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, awcperrors.CodeDeclined, errMsg.Code)
}

func TestResolveRunnerPath(t *testing.T) {
	single := []protocol.ResourceDecl{{Name: "only", Mode: protocol.AccessRO}}
	assert.Equal(t, filepath.Join("/w", "only"), resolveRunnerPath("/w", single))

	multi := []protocol.ResourceDecl{
		{Name: "docs", Mode: protocol.AccessRO},
		{Name: "code", Mode: protocol.AccessRW},
	}
	assert.Equal(t, filepath.Join("/w", "code"), resolveRunnerPath("/w", multi))

	allRO := []protocol.ResourceDecl{
		{Name: "a", Mode: protocol.AccessRO},
		{Name: "b", Mode: protocol.AccessRO},
	}
	assert.Equal(t, "/w", resolveRunnerPath("/w", allRO))
}

func TestStatusCountsTables(t *testing.T) {
	fx := newFixture(t, sleepRunner(10*time.Second), admission.Limits{})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(context.Background(), invite("d-2", 60))
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	waitForStatus(t, fx.engine, "d-1", v1.TaskStatusRunning)

	status := fx.engine.Status()
	assert.Equal(t, 1, status.PendingInvitations)
	assert.Equal(t, 1, status.ActiveDelegations)
	assert.Len(t, status.Delegations, 2)
}

func TestCompletedAssignmentRetained(t *testing.T) {
	fx := newFixture(t, instantRunner("ok"), admission.Limits{})

	_, err := fx.engine.HandleMessage(context.Background(), invite("d-1", 60))
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(context.Background(), startMsg(t, "d-1", time.Now().Add(time.Minute)))
	require.NoError(t, err)
	waitForStatus(t, fx.engine, "d-1", v1.TaskStatusCompleted)

	// Retired from the live table, still answerable.
	status := fx.engine.Status()
	assert.Zero(t, status.ActiveDelegations)
	assert.Equal(t, 1, status.CompletedDelegations)
	assert.Equal(t, v1.TaskStatusCompleted, fx.engine.GetTaskResult("d-1").Status)
}
