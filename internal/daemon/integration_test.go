package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awcp/awcp/internal/admission"
	"github.com/awcp/awcp/internal/common/config"
	"github.com/awcp/awcp/internal/delegation"
	"github.com/awcp/awcp/internal/delegator"
	"github.com/awcp/awcp/internal/delegator/repository"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/internal/events/bus"
	"github.com/awcp/awcp/internal/executor"
	"github.com/awcp/awcp/internal/listener"
	"github.com/awcp/awcp/internal/transport/archive"
	awcpclient "github.com/awcp/awcp/pkg/awcp/client"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// startExecutorSide runs a complete executor: engine, archive transport,
// and HTTP listener. Returns the listener URL the delegator talks to.
func startExecutorSide(t *testing.T, runner executor.Runner) string {
	t.Helper()
	log := testLogger(t)

	tr := archive.New(archive.Options{Host: "127.0.0.1", SpoolDir: t.TempDir()}, log)
	t.Cleanup(tr.Stop)

	engine := executor.NewEngine(
		executor.Config{WorkDir: t.TempDir(), CancelGrace: 200 * time.Millisecond},
		admission.NewController(admission.Limits{}, log),
		tr,
		runner,
		bus.NewMemoryBus(),
		nil,
		executor.Hooks{},
		log,
	)
	t.Cleanup(engine.Stop)

	d := New(&config.Config{}, nil, engine, nil, log)
	httpListener := listener.NewHTTPListener("127.0.0.1", 0, log)
	info, err := httpListener.Start(context.Background(), d.Handler())
	require.NoError(t, err)
	t.Cleanup(func() { _ = httpListener.Stop() })
	return info.PublicURL
}

func newDelegatorEngine(t *testing.T, policy delegator.SnapshotPolicy) *delegator.Engine {
	t.Helper()
	log := testLogger(t)
	tr := archive.New(archive.Options{Host: "127.0.0.1", SpoolDir: t.TempDir()}, log)
	t.Cleanup(tr.Stop)

	engine := delegator.NewEngine(
		delegator.Config{SnapshotPolicy: policy},
		environment.NewManager(t.TempDir(), log),
		admission.NewController(admission.Limits{}, log),
		tr,
		repository.NewMemoryRepository(),
		nil,
		awcpclient.New(),
		delegator.Hooks{},
		log,
	)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return engine
}

func TestEndToEndArchiveHappyPath(t *testing.T) {
	appendX := executor.RunnerFunc(func(ctx context.Context, req *executor.TaskRequest, progress executor.ProgressFunc) (*executor.TaskResult, error) {
		progress("appending", 50)
		target := filepath.Join(req.WorkPath, "hello.txt")
		data, err := os.ReadFile(target)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, append(data, 'X'), 0o644); err != nil {
			return nil, err
		}
		return &executor.TaskResult{Summary: "appended X to hello.txt"}, nil
	})
	executorURL := startExecutorSide(t, appendX)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "hello.txt"), []byte("hi\n"), 0o644))

	engine := newDelegatorEngine(t, delegator.SnapshotPolicyAuto)
	id, err := engine.Delegate(context.Background(), delegator.DelegateParams{
		PeerURL: executorURL,
		Environment: &environment.Spec{Resources: []environment.Resource{
			{Name: "workspace", Kind: environment.ResourceKindFS, Source: srcDir, Mode: protocol.AccessRW},
		}},
		Task:       protocol.TaskSpec{Description: "append", Prompt: "append to hello.txt: X"},
		TTLSeconds: 60,
		AccessMode: protocol.AccessRW,
	})
	require.NoError(t, err)

	record, err := engine.WaitForCompletion(context.Background(), id, 50*time.Millisecond, 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, delegation.StateCompleted, record.CurrentState())
	require.NotNil(t, record.Result)
	assert.NotEmpty(t, record.Result.Summary)

	// The executor's change made it back to the original source.
	data, err := os.ReadFile(filepath.Join(srcDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\nX", string(data))
}

func TestEndToEndCancelMidRun(t *testing.T) {
	blocked := executor.RunnerFunc(func(ctx context.Context, req *executor.TaskRequest, progress executor.ProgressFunc) (*executor.TaskResult, error) {
		progress("stalling", 10)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	executorURL := startExecutorSide(t, blocked)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "hello.txt"), []byte("hi\n"), 0o644))

	engine := newDelegatorEngine(t, delegator.SnapshotPolicyAuto)
	id, err := engine.Delegate(context.Background(), delegator.DelegateParams{
		PeerURL: executorURL,
		Environment: &environment.Spec{Resources: []environment.Resource{
			{Name: "workspace", Kind: environment.ResourceKindFS, Source: srcDir, Mode: protocol.AccessRW},
		}},
		Task:       protocol.TaskSpec{Description: "stall", Prompt: "wait forever"},
		TTLSeconds: 60,
	})
	require.NoError(t, err)

	// Wait until the task is observably running on the executor.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		record, err := engine.GetDelegation(context.Background(), id)
		require.NoError(t, err)
		if record.CurrentState() == delegation.StateRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, engine.Cancel(context.Background(), id))
	record, err := engine.WaitForCompletion(context.Background(), id, 50*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, delegation.StateCancelled, record.CurrentState())

	// The source was never touched.
	data, err := os.ReadFile(filepath.Join(srcDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestEndToEndLeaseExpiry(t *testing.T) {
	sleepy := executor.RunnerFunc(func(ctx context.Context, req *executor.TaskRequest, progress executor.ProgressFunc) (*executor.TaskResult, error) {
		progress("sleeping", 0)
		select {
		case <-time.After(5 * time.Second):
			return &executor.TaskResult{Summary: "woke up"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	executorURL := startExecutorSide(t, sleepy)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f"), []byte("x"), 0o644))

	engine := newDelegatorEngine(t, delegator.SnapshotPolicyAuto)
	id, err := engine.Delegate(context.Background(), delegator.DelegateParams{
		PeerURL: executorURL,
		Environment: &environment.Spec{Resources: []environment.Resource{
			{Name: "workspace", Kind: environment.ResourceKindFS, Source: srcDir, Mode: protocol.AccessRW},
		}},
		Task:       protocol.TaskSpec{Description: "sleep", Prompt: "sleep 5s"},
		TTLSeconds: 1,
	})
	require.NoError(t, err)

	record, err := engine.WaitForCompletion(context.Background(), id, 50*time.Millisecond, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, delegation.StateExpired, record.CurrentState())
	require.NotNil(t, record.Error)
	assert.Equal(t, "EXPIRED", record.Error.Code)
}
