// Package delegator drives the delegator side of the protocol: it builds
// environments, runs admission, owns the delegation table, and reacts to
// executor messages and task events.
package delegator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/awcp/awcp/internal/admission"
	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/delegation"
	"github.com/awcp/awcp/internal/delegator/repository"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/internal/transport"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// SnapshotPolicy selects how executor results are applied.
type SnapshotPolicy string

const (
	SnapshotPolicyAuto    SnapshotPolicy = "auto"
	SnapshotPolicyStaged  SnapshotPolicy = "staged"
	SnapshotPolicyDiscard SnapshotPolicy = "discard"
)

// PeerClient sends protocol messages to an executor and consumes its task
// event stream. The production implementation lives in pkg/awcp/client.
type PeerClient interface {
	Send(ctx context.Context, peerURL string, msg protocol.Message) (protocol.Message, error)
	SubscribeTaskEvents(ctx context.Context, peerURL, delegationID string, handler func(*protocol.TaskEvent)) error
}

// Hooks are optional engine callbacks.
type Hooks struct {
	OnCompleted func(d *delegation.Delegation)
	OnError     func(d *delegation.Delegation)
}

// Config tunes the engine.
type Config struct {
	DefaultTTLSeconds int
	DefaultAccessMode protocol.AccessMode
	SnapshotPolicy    SnapshotPolicy
	Retention         time.Duration
}

// DelegateParams is the caller's request.
type DelegateParams struct {
	PeerURL     string
	Environment *environment.Spec
	Task        protocol.TaskSpec
	TTLSeconds  int
	AccessMode  protocol.AccessMode
	Auth        *protocol.Auth
}

// Engine is the delegator protocol engine. It is the only component that
// mutates the delegation table.
type Engine struct {
	cfg       Config
	envMgr    *environment.Manager
	admission *admission.Controller
	transport transport.Delegator
	repo      repository.Repository
	retention repository.Repository // optional terminal-record store
	peers     PeerClient
	snapshots *snapshotStore
	hooks     Hooks
	logger    *logger.Logger

	mu       sync.Mutex
	handles  map[string]protocol.TransportHandle
	results  map[string]*transport.ResultRef
	released map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine wires an engine from its dependencies.
func NewEngine(
	cfg Config,
	envMgr *environment.Manager,
	adm *admission.Controller,
	tr transport.Delegator,
	repo repository.Repository,
	retention repository.Repository,
	peers PeerClient,
	hooks Hooks,
	log *logger.Logger,
) *Engine {
	if cfg.DefaultTTLSeconds == 0 {
		cfg.DefaultTTLSeconds = 3600
	}
	if cfg.DefaultAccessMode == "" {
		cfg.DefaultAccessMode = protocol.AccessRW
	}
	if cfg.SnapshotPolicy == "" {
		cfg.SnapshotPolicy = SnapshotPolicyAuto
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * time.Minute
	}
	return &Engine{
		cfg:       cfg,
		envMgr:    envMgr,
		admission: adm,
		transport: tr,
		repo:      repo,
		retention: retention,
		peers:     peers,
		snapshots: newSnapshotStore(),
		hooks:     hooks,
		logger:    log.WithFields(zap.String("component", "delegator-engine")),
		handles:   make(map[string]protocol.TransportHandle),
		results:   make(map[string]*transport.ResultRef),
		released:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the expiry and retention watchdog and removes stale
// staging directories left by a previous run.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.envMgr.CleanupStale(); err != nil {
		e.logger.Warn("stale staging cleanup failed", zap.Error(err))
	}
	e.wg.Add(1)
	go e.watchdogLoop(ctx)
	return nil
}

// Stop terminates background work.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Delegate admits the workspace, builds the environment, creates the record,
// prepares the transport, and kicks off the protocol exchange. The id returns as
// soon as the INVITE is on its way; completion is observed via
// WaitForCompletion or GetDelegation.
func (e *Engine) Delegate(ctx context.Context, params DelegateParams) (string, error) {
	if params.PeerURL == "" {
		return "", fmt.Errorf("peer URL is required")
	}
	if params.Environment == nil {
		return "", awcperrors.WorkspaceInvalid("environment spec is required")
	}
	if err := params.Environment.Validate(); err != nil {
		return "", awcperrors.WorkspaceInvalid(err.Error())
	}

	stats, err := e.admission.CheckWorkspace(ctx, params.Environment)
	if err != nil {
		var pe *awcperrors.Error
		if errors.As(err, &pe) && pe.Code == awcperrors.CodeWorkspaceTooLarge {
			return "", pe.WithHint(fmt.Sprintf(
				"estimatedBytes=%d fileCount=%d largestFileBytes=%d",
				stats.EstimatedBytes, stats.FileCount, stats.LargestFileBytes))
		}
		return "", err
	}

	ttl := params.TTLSeconds
	if ttl == 0 {
		ttl = e.cfg.DefaultTTLSeconds
	}
	mode := params.AccessMode
	if mode == "" {
		mode = e.cfg.DefaultAccessMode
	}
	lease := protocol.LeaseConfig{TTLSeconds: ttl, AccessMode: mode}

	id := uuid.New().String()
	built, err := e.envMgr.Build(ctx, id, params.Environment)
	if err != nil {
		return "", awcperrors.Wrap(err, "build environment")
	}

	record := delegation.New(id, params.PeerURL, params.Environment, params.Task, lease)
	if err := e.repo.Create(ctx, record); err != nil {
		e.envMgr.Release(id)
		return "", err
	}

	handle, err := e.transport.Prepare(ctx, transport.PrepareRequest{
		DelegationID: id,
		ExportPath:   built.EnvRoot,
		TTLSeconds:   ttl,
	})
	if err != nil {
		e.failLocal(ctx, record, awcperrors.SetupFailed("prepare transport", err))
		return "", err
	}
	e.mu.Lock()
	e.handles[id] = handle
	e.mu.Unlock()

	invite := &protocol.Invite{
		Envelope:    protocol.NewEnvelope(protocol.MessageTypeInvite, id),
		Task:        params.Task,
		Lease:       lease,
		Environment: params.Environment.Declaration(),
		Auth:        params.Auth,
	}

	e.wg.Add(1)
	go e.runInvite(record, invite)

	return id, nil
}

// runInvite sends the INVITE and processes a synchronous reply if the
// listener returned one.
func (e *Engine) runInvite(record *delegation.Delegation, invite *protocol.Invite) {
	defer e.wg.Done()
	ctx := context.Background()

	if err := record.Apply(delegation.EventSendInvite, nil); err != nil {
		e.logger.Warn("invite skipped", zap.String("delegation_id", record.ID), zap.Error(err))
		return
	}

	reply, err := e.peers.Send(ctx, record.PeerURL, invite)
	if err != nil {
		e.failLocal(ctx, record, awcperrors.SetupFailed("deliver INVITE", err))
		return
	}

	switch m := reply.(type) {
	case *protocol.Accept:
		e.handleAccept(ctx, m)
	case *protocol.ErrorMessage:
		e.handleError(ctx, m)
	case nil:
		// ACCEPT arrives later through a listener.
	default:
		e.failLocal(ctx, record, awcperrors.SetupFailed(
			fmt.Sprintf("unexpected reply %T to INVITE", reply), nil))
	}
}

// HandleMessage dispatches an inbound protocol message to the engine. It
// is the listener handler's entry point on the delegator side.
func (e *Engine) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case *protocol.Accept:
		e.handleAccept(ctx, m)
		return nil, nil
	case *protocol.Done:
		e.handleDone(ctx, m)
		return nil, nil
	case *protocol.ErrorMessage:
		e.handleError(ctx, m)
		return nil, nil
	default:
		return nil, fmt.Errorf("delegator cannot handle %s", msg.Header().Type)
	}
}

// handleAccept patches the record, tightens the lease with the executor's
// constraints, and sends START.
func (e *Engine) handleAccept(ctx context.Context, msg *protocol.Accept) {
	record, err := e.repo.Get(ctx, msg.DelegationID)
	if err != nil {
		e.logger.Warn("ACCEPT for unknown delegation", zap.String("delegation_id", msg.DelegationID))
		return
	}
	if err := record.Apply(delegation.EventReceiveAccept, msg); err != nil {
		e.logger.Warn("ACCEPT rejected", zap.String("delegation_id", record.ID), zap.Error(err))
		return
	}

	lease := e.tightenLease(record.LeaseConfig, msg.ExecutorConstraints)
	record.SetActiveLease(lease)

	e.mu.Lock()
	handle := e.handles[record.ID]
	e.mu.Unlock()
	if handle == nil {
		e.failLocal(ctx, record, awcperrors.SetupFailed("no prepared transport handle", nil))
		return
	}

	start := &protocol.Start{
		Envelope: protocol.NewEnvelope(protocol.MessageTypeStart, record.ID),
		Lease:    lease,
	}
	if err := start.SetHandle(handle); err != nil {
		e.failLocal(ctx, record, awcperrors.SetupFailed("encode transport handle", err))
		return
	}

	if err := record.Apply(delegation.EventSendStart, nil); err != nil {
		e.logger.Warn("START skipped", zap.String("delegation_id", record.ID), zap.Error(err))
		return
	}
	reply, err := e.peers.Send(ctx, record.PeerURL, start)
	if err != nil {
		e.failLocal(ctx, record, awcperrors.SetupFailed("deliver START", err))
		return
	}
	if errMsg, ok := reply.(*protocol.ErrorMessage); ok {
		e.handleError(ctx, errMsg)
		return
	}

	e.wg.Add(1)
	go e.watchEvents(record)
}

// tightenLease applies the stricter of the requested lease and the
// executor's constraints. The executor may shorten the TTL and downgrade
// the mode, never the reverse.
func (e *Engine) tightenLease(req protocol.LeaseConfig, constraints *protocol.Constraints) protocol.ActiveLease {
	ttl := req.TTLSeconds
	mode := req.AccessMode
	if constraints != nil {
		if constraints.MaxTTLSeconds > 0 && constraints.MaxTTLSeconds < ttl {
			ttl = constraints.MaxTTLSeconds
		}
		if constraints.AcceptedAccessMode == protocol.AccessRO {
			mode = protocol.AccessRO
		}
	}
	return protocol.ActiveLease{
		ExpiresAt:  time.Now().UTC().Add(time.Duration(ttl) * time.Second),
		AccessMode: mode,
	}
}

// watchEvents follows the executor's task-event stream until a terminal
// event or stream failure.
func (e *Engine) watchEvents(record *delegation.Delegation) {
	defer e.wg.Done()
	ctx := context.Background()

	err := e.peers.SubscribeTaskEvents(ctx, record.PeerURL, record.ID, func(ev *protocol.TaskEvent) {
		e.onTaskEvent(ctx, record, ev)
	})
	if err != nil && !record.CurrentState().Terminal() {
		e.logger.Warn("task event stream failed",
			zap.String("delegation_id", record.ID), zap.Error(err))
	}
}

func (e *Engine) onTaskEvent(ctx context.Context, record *delegation.Delegation, ev *protocol.TaskEvent) {
	switch ev.Type {
	case protocol.TaskEventStatus:
		if record.CurrentState() == delegation.StateStarted {
			if err := record.Apply(delegation.EventSetupComplete, nil); err == nil {
				e.logger.Debug("delegation running", zap.String("delegation_id", record.ID))
			}
		}
	case protocol.TaskEventDone:
		done := &protocol.Done{
			Envelope:     protocol.NewEnvelope(protocol.MessageTypeDone, record.ID),
			FinalSummary: ev.Summary,
			Highlights:   ev.Highlights,
		}
		if ev.ResultBase64 != "" {
			done.Snapshot = &protocol.SnapshotRef{DataBase64: ev.ResultBase64}
		}
		e.handleDone(ctx, done)
	case protocol.TaskEventError:
		e.handleError(ctx, &protocol.ErrorMessage{
			Envelope: protocol.NewEnvelope(protocol.MessageTypeError, record.ID),
			Code:     ev.Code,
			Message:  ev.Message,
			Hint:     ev.Hint,
		})
	}
}

// handleDone records the result, applies or stages the snapshot per
// policy, and releases resources. A DONE racing a cancel loses if the
// cancel transitioned first.
func (e *Engine) handleDone(ctx context.Context, msg *protocol.Done) {
	record, err := e.repo.Get(ctx, msg.DelegationID)
	if err != nil {
		e.logger.Warn("DONE for unknown delegation", zap.String("delegation_id", msg.DelegationID))
		return
	}

	// A DONE can arrive before any status event was observed.
	if record.CurrentState() == delegation.StateStarted {
		_ = record.Apply(delegation.EventSetupComplete, nil)
	}
	if err := record.Apply(delegation.EventReceiveDone, msg); err != nil {
		e.logger.Debug("DONE ignored", zap.String("delegation_id", record.ID), zap.Error(err))
		return
	}

	resultRef := resultRefFromSnapshot(msg.Snapshot)
	caps := e.transport.Capabilities()

	switch {
	case !caps.SupportsSnapshots:
		// Live-sync transports already wrote changes through the mount.
		e.release(ctx, record.ID)
	case e.cfg.SnapshotPolicy == SnapshotPolicyAuto:
		if err := e.applyResult(ctx, record.ID, resultRef); err != nil {
			e.logger.Error("result application failed",
				zap.String("delegation_id", record.ID), zap.Error(err))
		}
		e.release(ctx, record.ID)
	case e.cfg.SnapshotPolicy == SnapshotPolicyStaged:
		snap := e.snapshots.add(record.ID, msg.FinalSummary, msg.Highlights)
		e.mu.Lock()
		e.results[record.ID] = resultRef
		e.mu.Unlock()
		e.logger.Info("snapshot staged",
			zap.String("delegation_id", record.ID), zap.String("snapshot_id", snap.ID))
		// Transport state survives until the snapshot is resolved.
	default: // discard
		e.release(ctx, record.ID)
	}

	e.persistTerminal(ctx, record)
	if e.hooks.OnCompleted != nil {
		e.hooks.OnCompleted(record)
	}
	e.logger.Info("delegation completed", zap.String("delegation_id", record.ID))
}

func resultRefFromSnapshot(ref *protocol.SnapshotRef) *transport.ResultRef {
	if ref == nil {
		return nil
	}
	out := &transport.ResultRef{URL: ref.URL}
	if ref.DataBase64 != "" {
		if data, err := base64.StdEncoding.DecodeString(ref.DataBase64); err == nil {
			out.Data = data
		}
	}
	return out
}

// handleError records a remote failure.
func (e *Engine) handleError(ctx context.Context, msg *protocol.ErrorMessage) {
	record, err := e.repo.Get(ctx, msg.DelegationID)
	if err != nil {
		e.logger.Warn("ERROR for unknown delegation", zap.String("delegation_id", msg.DelegationID))
		return
	}
	event := delegation.EventReceiveError
	if msg.Code == awcperrors.CodeExpired {
		event = delegation.EventExpire
		// An EXPIRED can outrun the first status event; it implies the run
		// phase was reached, so advance through running first.
		if record.CurrentState() == delegation.StateStarted {
			_ = record.Apply(delegation.EventSetupComplete, nil)
		}
	}
	if applyErr := record.Apply(event, msg); applyErr != nil {
		e.logger.Debug("ERROR ignored", zap.String("delegation_id", record.ID), zap.Error(applyErr))
		return
	}
	e.release(ctx, record.ID)
	e.persistTerminal(ctx, record)
	if e.hooks.OnError != nil {
		e.hooks.OnError(record)
	}
	e.logger.Warn("delegation failed",
		zap.String("delegation_id", record.ID),
		zap.String("code", msg.Code),
		zap.String("message", msg.Message))
}

// failLocal records a local failure and releases resources.
func (e *Engine) failLocal(ctx context.Context, record *delegation.Delegation, perr *awcperrors.Error) {
	if err := record.Fail(delegation.EventSendError, perr.Code, perr.Message, perr.Hint); err != nil {
		return
	}
	e.release(ctx, record.ID)
	e.persistTerminal(ctx, record)
	if e.hooks.OnError != nil {
		e.hooks.OnError(record)
	}
	e.logger.Warn("delegation failed locally",
		zap.String("delegation_id", record.ID), zap.String("code", perr.Code))
}

// Cancel is idempotent: on a non-terminal delegation it notifies the peer
// best-effort and transitions to cancelled; on a terminal one it is a
// no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	record, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.CurrentState().Terminal() {
		return nil
	}

	// Transition first so a racing DONE or ERROR from the peer loses
	// cleanly, then notify best-effort.
	if err := record.Fail(delegation.EventCancel, awcperrors.CodeCancelled, "cancelled by delegator", ""); err != nil {
		// Lost the race against a terminal transition; cancel still succeeds.
		return nil
	}

	errMsg := &protocol.ErrorMessage{
		Envelope: protocol.NewEnvelope(protocol.MessageTypeError, id),
		Code:     awcperrors.CodeCancelled,
		Message:  "delegation cancelled by delegator",
	}
	if _, sendErr := e.peers.Send(ctx, record.PeerURL, errMsg); sendErr != nil {
		e.logger.Debug("cancel notification failed", zap.String("delegation_id", id), zap.Error(sendErr))
	}
	e.release(ctx, id)
	e.persistTerminal(ctx, record)
	e.logger.Info("delegation cancelled", zap.String("delegation_id", id))
	return nil
}

// GetDelegation returns the record for an id.
func (e *Engine) GetDelegation(ctx context.Context, id string) (*delegation.Delegation, error) {
	d, err := e.repo.Get(ctx, id)
	if err == nil {
		return d, nil
	}
	if e.retention != nil {
		if archived, aerr := e.retention.Get(ctx, id); aerr == nil {
			return archived, nil
		}
	}
	return nil, err
}

// ListDelegations returns all live records.
func (e *Engine) ListDelegations(ctx context.Context) ([]*delegation.Delegation, error) {
	return e.repo.List(ctx)
}

// WaitForCompletion polls until the delegation is terminal or the timeout
// elapses. A timeout surfaces as an error, not a state change.
func (e *Engine) WaitForCompletion(ctx context.Context, id string, poll, timeout time.Duration) (*delegation.Delegation, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		record, err := e.GetDelegation(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.CurrentState().Terminal() {
			return record, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("delegation %s not terminal after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Snapshots returns a delegation's snapshots.
func (e *Engine) Snapshots(id string) []*Snapshot {
	return e.snapshots.forDelegation(id)
}

// ApplySnapshot applies a staged snapshot. Re-applying an applied snapshot
// is a no-op.
func (e *Engine) ApplySnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap, changed, err := e.snapshots.markApplied(snapshotID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return snap, nil
	}

	e.mu.Lock()
	resultRef := e.results[snap.DelegationID]
	e.mu.Unlock()

	if err := e.applyResult(ctx, snap.DelegationID, resultRef); err != nil {
		return nil, err
	}
	e.release(ctx, snap.DelegationID)
	return snap, nil
}

// DiscardSnapshot drops a staged snapshot without applying it.
func (e *Engine) DiscardSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap, changed, err := e.snapshots.markDiscarded(snapshotID)
	if err != nil {
		return nil, err
	}
	if changed {
		e.release(ctx, snap.DelegationID)
	}
	return snap, nil
}

func (e *Engine) applyResult(ctx context.Context, id string, resultRef *transport.ResultRef) error {
	applier, ok := e.transport.(transport.ResultApplier)
	if !ok {
		return nil
	}
	return applier.ApplyResult(ctx, id, resultRef, func(ctx context.Context, resultRoot string) error {
		return e.envMgr.ApplyResult(ctx, id, resultRoot)
	})
}

// release tears down the transport binding and staging directory for a
// delegation. Safe to call more than once.
func (e *Engine) release(ctx context.Context, id string) {
	e.mu.Lock()
	if _, done := e.released[id]; done {
		e.mu.Unlock()
		return
	}
	e.released[id] = struct{}{}
	delete(e.handles, id)
	delete(e.results, id)
	e.mu.Unlock()

	if err := e.transport.Cleanup(ctx, id); err != nil {
		e.logger.Warn("transport cleanup failed", zap.String("delegation_id", id), zap.Error(err))
	}
	e.envMgr.Release(id)
}

// persistTerminal copies a terminal record into the retention store.
func (e *Engine) persistTerminal(ctx context.Context, record *delegation.Delegation) {
	if e.retention == nil {
		return
	}
	if err := e.retention.Update(ctx, record); err != nil {
		e.logger.Warn("terminal record persistence failed",
			zap.String("delegation_id", record.ID), zap.Error(err))
	}
}

// watchdogLoop expires overdue delegations and prunes retained records.
func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.expireOverdue(ctx)
		case <-prune.C:
			cutoff := time.Now().UTC().Add(-e.cfg.Retention)
			if _, err := e.repo.PruneTerminal(ctx, cutoff); err != nil {
				e.logger.Warn("retention prune failed", zap.Error(err))
			}
			if e.retention != nil {
				if _, err := e.retention.PruneTerminal(ctx, cutoff); err != nil {
					e.logger.Warn("retention prune failed", zap.Error(err))
				}
			}
		}
	}
}

func (e *Engine) expireOverdue(ctx context.Context) {
	records, err := e.repo.List(ctx)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, record := range records {
		if record.CurrentState().Terminal() || record.ActiveLease == nil {
			continue
		}
		if now.Before(record.ActiveLease.ExpiresAt) {
			continue
		}
		reason := fmt.Sprintf("lease expired at %s", record.ActiveLease.ExpiresAt.Format(time.RFC3339))
		if record.CurrentState() == delegation.StateStarted {
			// The started state admits no expired transition; an overdue
			// started delegation advances through running before expiring.
			_ = record.Apply(delegation.EventSetupComplete, nil)
		}
		if err := record.Fail(delegation.EventExpire, awcperrors.CodeExpired, reason, ""); err != nil {
			// A state that admits no expired transition terminates with
			// the EXPIRED code through the error state.
			if err := record.Fail(delegation.EventSendError, awcperrors.CodeExpired, reason, ""); err != nil {
				continue
			}
		}
		e.release(ctx, record.ID)
		e.persistTerminal(ctx, record)
		if e.hooks.OnError != nil {
			e.hooks.OnError(record)
		}
		e.logger.Warn("delegation expired", zap.String("delegation_id", record.ID))
	}
}
