// Package executor drives the executor side of the protocol: it admits
// invitations, attaches environments, supervises the task runner, and
// streams task events.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/admission"
	"github.com/awcp/awcp/internal/assignment"
	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/events/bus"
	"github.com/awcp/awcp/internal/transport"
	v1 "github.com/awcp/awcp/pkg/api/v1"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Config tunes the executor engine.
type Config struct {
	WorkDir         string
	ResultRetention time.Duration
	CancelGrace     time.Duration
	Sandbox         protocol.SandboxProfile
}

// Hooks are optional callbacks fired after terminal transitions.
type Hooks struct {
	OnTaskComplete func(a *assignment.Assignment)
	OnError        func(a *assignment.Assignment)
}

// Engine is the executor protocol engine. It is the only component that
// mutates the assignment table.
type Engine struct {
	cfg       Config
	admission *admission.Controller
	transport transport.Executor
	runner    Runner
	events    bus.EventBus
	auth      *AuthManager
	hooks     Hooks
	logger    *logger.Logger

	mu          sync.Mutex
	assignments map[string]*assignment.Assignment
	cancels     map[string]context.CancelFunc
	completed   int

	// retained answers getTaskResult for a window after cleanup
	retained *gocache.Cache

	wg sync.WaitGroup
}

// NewEngine wires an engine from its dependencies.
func NewEngine(
	cfg Config,
	adm *admission.Controller,
	tr transport.Executor,
	runner Runner,
	events bus.EventBus,
	auth *AuthManager,
	hooks Hooks,
	log *logger.Logger,
) *Engine {
	if cfg.ResultRetention == 0 {
		cfg.ResultRetention = 30 * time.Minute
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if auth == nil {
		auth = NewAuthManager()
	}
	return &Engine{
		cfg:         cfg,
		admission:   adm,
		transport:   tr,
		runner:      runner,
		events:      events,
		auth:        auth,
		hooks:       hooks,
		logger:      log.WithFields(zap.String("component", "executor-engine")),
		assignments: make(map[string]*assignment.Assignment),
		cancels:     make(map[string]context.CancelFunc),
		retained:    gocache.New(cfg.ResultRetention, 5*time.Minute),
	}
}

// Stop waits for in-flight tasks to wind down.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// HandleMessage dispatches an inbound protocol message. INVITE and START
// produce synchronous replies; an ERROR carrying CANCELLED cancels the
// assignment, and any other ERROR is logged.
func (e *Engine) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case *protocol.Invite:
		return e.handleInvite(ctx, m), nil
	case *protocol.Start:
		return e.handleStart(ctx, m), nil
	case *protocol.ErrorMessage:
		if m.Code == awcperrors.CodeCancelled {
			_ = e.CancelDelegation(ctx, m.DelegationID)
			return nil, nil
		}
		e.logger.Warn("peer error",
			zap.String("delegation_id", m.DelegationID),
			zap.String("code", m.Code),
			zap.String("message", m.Message))
		return nil, nil
	default:
		return nil, fmt.Errorf("executor cannot handle %s", msg.Header().Type)
	}
}

// handleInvite runs admission and either allocates a work directory and
// replies ACCEPT, or replies ERROR without persisting anything.
func (e *Engine) handleInvite(ctx context.Context, invite *protocol.Invite) protocol.Message {
	if err := e.auth.Verify(invite.Auth); err != nil {
		return e.errorReply(invite.DelegationID, err)
	}

	if invite.Requirements != nil && invite.Requirements.Transport != "" &&
		invite.Requirements.Transport != e.transport.Kind() {
		return e.errorReply(invite.DelegationID, awcperrors.Declined(fmt.Sprintf(
			"transport %q not available, this executor runs %q",
			invite.Requirements.Transport, e.transport.Kind())))
	}

	e.mu.Lock()
	active := 0
	for _, a := range e.assignments {
		if a.CurrentState() == assignment.StateActive {
			active++
		}
	}
	e.mu.Unlock()

	dep := e.transport.CheckDependency(ctx)
	if err := e.admission.CheckInvite(invite.Lease, active, admission.DependencyStatus(dep)); err != nil {
		return e.errorReply(invite.DelegationID, err)
	}

	workPath := filepath.Join(e.cfg.WorkDir, invite.DelegationID)
	if err := os.MkdirAll(workPath, 0o700); err != nil {
		return e.errorReply(invite.DelegationID,
			awcperrors.WorkdirDenied(fmt.Sprintf("cannot allocate %s: %v", workPath, err)))
	}

	a := assignment.New(invite, workPath)
	e.mu.Lock()
	e.assignments[a.ID] = a
	e.mu.Unlock()

	maxTTL := e.admission.Limits().MaxTTLSeconds
	ttl := invite.Lease.TTLSeconds
	if ttl > maxTTL {
		ttl = maxTTL
	}
	sandbox := e.cfg.Sandbox

	e.logger.Info("invitation accepted",
		zap.String("delegation_id", a.ID),
		zap.String("work_path", workPath))

	return &protocol.Accept{
		Envelope:        protocol.NewEnvelope(protocol.MessageTypeAccept, invite.DelegationID),
		ExecutorWorkDir: protocol.WorkDir{Path: workPath},
		ExecutorConstraints: &protocol.Constraints{
			AcceptedAccessMode: invite.Lease.AccessMode,
			MaxTTLSeconds:      ttl,
			Sandbox:            &sandbox,
		},
	}
}

// handleStart activates a pending assignment and launches the task.
func (e *Engine) handleStart(ctx context.Context, start *protocol.Start) protocol.Message {
	e.mu.Lock()
	a, ok := e.assignments[start.DelegationID]
	e.mu.Unlock()
	if !ok || a.CurrentState() != assignment.StatePending {
		return e.errorReply(start.DelegationID,
			awcperrors.Declined("no pending assignment for delegation"))
	}

	if !start.Lease.ExpiresAt.IsZero() && time.Now().After(start.Lease.ExpiresAt) {
		err := awcperrors.StartExpired("lease expired before START")
		e.failAssignment(ctx, a, err)
		return e.errorReply(start.DelegationID, err)
	}

	handle, err := start.Handle()
	if err != nil {
		serr := awcperrors.SetupFailed("decode transport handle", err)
		e.failAssignment(ctx, a, serr)
		return e.errorReply(start.DelegationID, serr)
	}

	if err := a.Transition(assignment.StateActive); err != nil {
		return e.errorReply(start.DelegationID, awcperrors.Declined(err.Error()))
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if start.Lease.ExpiresAt.IsZero() {
		runCtx, cancel = context.WithCancel(context.Background())
	} else {
		runCtx, cancel = context.WithDeadline(context.Background(), start.Lease.ExpiresAt)
	}
	e.mu.Lock()
	e.cancels[a.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runTask(runCtx, a, handle, start.Lease)

	return nil
}

// runTask attaches the workspace, supervises the runner, and reports the
// terminal outcome on the event stream.
func (e *Engine) runTask(ctx context.Context, a *assignment.Assignment, handle protocol.TransportHandle, lease protocol.ActiveLease) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, a.ID)
		e.mu.Unlock()
	}()

	workPath, err := e.transport.Setup(ctx, transport.SetupRequest{
		DelegationID: a.ID,
		Handle:       handle,
		WorkDir:      a.WorkPath,
	})
	if err != nil {
		e.finishError(a, awcperrors.SetupFailed("workspace setup", err))
		e.cleanupWorkdir(a)
		return
	}

	e.publish(protocol.NewStatusEvent(a.ID, "running", "workspace ready, task starting"))

	runnerPath := resolveRunnerPath(workPath, a.Invite.Environment)
	req := &TaskRequest{
		DelegationID: a.ID,
		WorkPath:     runnerPath,
		Task:         a.Invite.Task,
		Environment:  a.Invite.Environment,
	}
	progress := func(message string, pct int) {
		ev := protocol.NewStatusEvent(a.ID, "progress", message)
		ev.Progress = pct
		e.publish(ev)
	}

	type runOutcome struct {
		result *TaskResult
		err    error
	}
	outcome := make(chan runOutcome, 1)
	go func() {
		result, err := e.runner.Run(ctx, req, progress)
		outcome <- runOutcome{result: result, err: err}
	}()

	var result *TaskResult
	select {
	case out := <-outcome:
		if out.err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				e.finishExpired(ctx, a)
			} else if ctx.Err() == context.Canceled {
				e.finishCancelled(ctx, a)
			} else {
				e.finishError(a, awcperrors.TaskFailed("task runner failed", out.err))
				e.teardownAndCleanup(a)
			}
			return
		}
		result = out.result
	case <-ctx.Done():
		// Give the runner a grace window to observe cancellation.
		select {
		case out := <-outcome:
			if out.err == nil && ctx.Err() != context.DeadlineExceeded {
				result = out.result
			}
		case <-time.After(e.cfg.CancelGrace):
		}
		if result == nil {
			if ctx.Err() == context.DeadlineExceeded {
				e.finishExpired(ctx, a)
			} else {
				e.finishCancelled(ctx, a)
			}
			return
		}
	}

	// Teardown captures the result before the workspace is removed. Use a
	// fresh context: the lease deadline must not abort result capture.
	teardownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	resultRef, err := e.transport.Teardown(teardownCtx, transport.TeardownRequest{
		DelegationID: a.ID,
		WorkDir:      a.WorkPath,
	})
	if err != nil {
		e.finishError(a, awcperrors.SetupFailed("workspace teardown", err))
		e.cleanupWorkdir(a)
		return
	}

	res := &assignment.Result{Summary: result.Summary, Highlights: result.Highlights}
	if resultRef != nil && resultRef.URL != "" {
		res.ResultRef = resultRef.URL
	}
	if err := a.Complete(res); err != nil {
		// Lost the race against cancellation.
		e.logger.Debug("completion ignored", zap.String("delegation_id", a.ID), zap.Error(err))
		e.cleanupWorkdir(a)
		return
	}

	done := protocol.NewDoneEvent(a.ID, result.Summary, result.Highlights)
	if resultRef != nil && len(resultRef.Data) > 0 {
		done.ResultBase64 = base64.StdEncoding.EncodeToString(resultRef.Data)
	}
	e.publish(done)

	e.retire(a)
	if e.hooks.OnTaskComplete != nil {
		e.hooks.OnTaskComplete(a)
	}
	e.logger.Info("task completed", zap.String("delegation_id", a.ID))
}

// resolveRunnerPath picks the runner's working directory: the single
// resource if there is exactly one, else the first rw resource, else the
// workspace root.
func resolveRunnerPath(workPath string, env []protocol.ResourceDecl) string {
	if len(env) == 1 {
		return filepath.Join(workPath, env[0].Name)
	}
	for _, decl := range env {
		if decl.Mode == protocol.AccessRW {
			return filepath.Join(workPath, decl.Name)
		}
	}
	return workPath
}

func (e *Engine) finishExpired(ctx context.Context, a *assignment.Assignment) {
	perr := awcperrors.Expired("lease expired during task run")
	e.finishError(a, perr)
	e.teardownAndCleanup(a)
}

func (e *Engine) finishCancelled(ctx context.Context, a *assignment.Assignment) {
	perr := awcperrors.Cancelled("delegation cancelled")
	e.finishError(a, perr)
	e.teardownAndCleanup(a)
}

// finishError records the failure, emits the terminal error event, and
// retires the assignment.
func (e *Engine) finishError(a *assignment.Assignment, perr *awcperrors.Error) {
	if err := a.Fail(perr.Code, perr.Message, perr.Hint); err != nil {
		e.logger.Debug("error transition ignored", zap.String("delegation_id", a.ID), zap.Error(err))
		return
	}
	e.publish(protocol.NewErrorEvent(a.ID, perr.Code, perr.Message, perr.Hint))
	e.retire(a)
	if e.hooks.OnError != nil {
		e.hooks.OnError(a)
	}
	e.logger.Warn("assignment failed",
		zap.String("delegation_id", a.ID), zap.String("code", perr.Code))
}

// teardownAndCleanup detaches the transport (ignoring its result) and
// removes the work directory.
func (e *Engine) teardownAndCleanup(a *assignment.Assignment) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.transport.Teardown(ctx, transport.TeardownRequest{
		DelegationID: a.ID,
		WorkDir:      a.WorkPath,
	}); err != nil {
		e.logger.Warn("teardown failed", zap.String("delegation_id", a.ID), zap.Error(err))
	}
	e.cleanupWorkdir(a)
}

func (e *Engine) cleanupWorkdir(a *assignment.Assignment) {
	if err := os.RemoveAll(a.WorkPath); err != nil {
		e.logger.Warn("workdir removal failed",
			zap.String("delegation_id", a.ID), zap.Error(err))
	}
}

// retire moves a terminal assignment from the live table to the retention
// cache and removes its work directory.
func (e *Engine) retire(a *assignment.Assignment) {
	e.mu.Lock()
	delete(e.assignments, a.ID)
	if a.CurrentState() == assignment.StateCompleted {
		e.completed++
	}
	e.mu.Unlock()
	e.retained.Set(a.ID, a, gocache.DefaultExpiration)
	e.cleanupWorkdir(a)
}

// CancelDelegation signals the runner and, for pending assignments, drops
// them immediately. Idempotent.
func (e *Engine) CancelDelegation(ctx context.Context, id string) error {
	e.mu.Lock()
	a, ok := e.assignments[id]
	cancel := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	switch a.CurrentState() {
	case assignment.StatePending:
		e.finishError(a, awcperrors.Cancelled("delegation cancelled before start"))
	case assignment.StateActive:
		if cancel != nil {
			cancel()
		}
	}
	return nil
}

// GetTaskResult answers result polls, consulting live and retained
// assignments.
func (e *Engine) GetTaskResult(id string) *v1.TaskResultView {
	e.mu.Lock()
	a, ok := e.assignments[id]
	e.mu.Unlock()
	if !ok {
		if cached, found := e.retained.Get(id); found {
			a = cached.(*assignment.Assignment)
		} else {
			return &v1.TaskResultView{Status: v1.TaskStatusNotFound, Reason: "unknown delegation"}
		}
	}

	switch a.CurrentState() {
	case assignment.StateCompleted:
		view := &v1.TaskResultView{Status: v1.TaskStatusCompleted, CompletedAt: a.CompletedAt}
		if a.Result != nil {
			view.Summary = a.Result.Summary
			view.Highlights = a.Result.Highlights
			view.ResultRef = a.Result.ResultRef
		}
		return view
	case assignment.StateError:
		view := &v1.TaskResultView{Status: v1.TaskStatusError, CompletedAt: a.CompletedAt}
		if a.Error != nil {
			view.Error = &v1.ErrorDetail{Code: a.Error.Code, Message: a.Error.Message, Hint: a.Error.Hint}
		}
		return view
	default:
		return &v1.TaskResultView{Status: v1.TaskStatusRunning}
	}
}

// SubscribeTask attaches a handler to a delegation's event stream and
// returns the unsubscribe function.
func (e *Engine) SubscribeTask(id string, handler func(*protocol.TaskEvent)) (func(), error) {
	sub, err := e.events.Subscribe(id, bus.Handler(handler))
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Status reports the engine's tables for the status endpoint.
func (e *Engine) Status() *v1.ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := &v1.ExecutorStatus{
		CompletedDelegations: e.completed,
		Delegations:          []v1.DelegationInfo{},
	}
	for _, a := range e.assignments {
		switch a.CurrentState() {
		case assignment.StatePending:
			view.PendingInvitations++
		case assignment.StateActive:
			view.ActiveDelegations++
		}
		view.Delegations = append(view.Delegations, v1.DelegationInfo{
			ID:        a.ID,
			WorkPath:  a.WorkPath,
			StartedAt: a.StartedAt,
		})
	}
	return view
}

// CleanupStaleWorkdirs removes work directories with no live assignment.
// Called on daemon start.
func (e *Engine) CleanupStaleWorkdirs() error {
	entries, err := os.ReadDir(e.cfg.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	e.mu.Lock()
	known := make(map[string]struct{}, len(e.assignments))
	for id := range e.assignments {
		known[id] = struct{}{}
	}
	e.mu.Unlock()

	for _, entry := range entries {
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		stale := filepath.Join(e.cfg.WorkDir, entry.Name())
		if err := os.RemoveAll(stale); err != nil {
			e.logger.Warn("stale workdir removal failed", zap.String("path", stale), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) publish(ev *protocol.TaskEvent) {
	if err := e.events.Publish(context.Background(), ev.DelegationID, ev); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("delegation_id", ev.DelegationID), zap.Error(err))
	}
}

func (e *Engine) errorReply(delegationID string, err error) *protocol.ErrorMessage {
	code := awcperrors.CodeOf(err)
	if code == "" {
		code = awcperrors.CodeSetupFailed
	}
	msg := err.Error()
	hint := ""
	var pe *awcperrors.Error
	if errors.As(err, &pe) {
		msg = pe.Message
		hint = pe.Hint
	}
	return &protocol.ErrorMessage{
		Envelope: protocol.NewEnvelope(protocol.MessageTypeError, delegationID),
		Code:     code,
		Message:  msg,
		Hint:     hint,
	}
}

// failAssignment records an error on an assignment that never went active.
func (e *Engine) failAssignment(ctx context.Context, a *assignment.Assignment, perr *awcperrors.Error) {
	e.finishError(a, perr)
}
