package executor

import (
	"context"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// TaskRequest is everything the runner receives about a delegated task.
// The runner must stay inside WorkPath when the sandbox is cwd-only.
type TaskRequest struct {
	DelegationID string
	WorkPath     string
	Task         protocol.TaskSpec
	Environment  []protocol.ResourceDecl
}

// TaskResult is the runner's outcome.
type TaskResult struct {
	Summary    string
	Highlights []string
}

// ProgressFunc lets the runner report progress; messages surface as status
// events on the delegation's stream.
type ProgressFunc func(message string, progress int)

// Runner is the task capability the executor composes in. The engine knows
// nothing about its implementation; cancellation is signalled through the
// context.
type Runner interface {
	Run(ctx context.Context, req *TaskRequest, progress ProgressFunc) (*TaskResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *TaskRequest, progress ProgressFunc) (*TaskResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req *TaskRequest, progress ProgressFunc) (*TaskResult, error) {
	return f(ctx, req, progress)
}
