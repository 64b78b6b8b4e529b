// Package transport defines the pluggable data plane that moves an
// environment between delegator and executor.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Capabilities declares what a transport variant can do. The engines pick
// behavior accordingly: liveSync transports need no snapshot application.
type Capabilities struct {
	SupportsSnapshots bool
	LiveSync          bool
}

// DependencyStatus reports whether a transport's host dependencies are met.
type DependencyStatus struct {
	Available bool
	Hint      string
}

// PrepareRequest asks the delegator side to stage an environment export.
type PrepareRequest struct {
	DelegationID string
	ExportPath   string // environment staging root, trailing slash
	TTLSeconds   int
}

// SetupRequest asks the executor side to attach an environment.
type SetupRequest struct {
	DelegationID string
	Handle       protocol.TransportHandle
	WorkDir      string
}

// TeardownRequest detaches the executor workspace and captures the result.
type TeardownRequest struct {
	DelegationID string
	WorkDir      string
}

// ResultRef points at the executor's result: raw bytes or a URL the
// delegator can resolve.
type ResultRef struct {
	Data []byte
	URL  string
}

// Delegator is the delegator-side transport surface.
type Delegator interface {
	Kind() string
	Capabilities() Capabilities
	Prepare(ctx context.Context, req PrepareRequest) (protocol.TransportHandle, error)
	Cleanup(ctx context.Context, delegationID string) error
}

// ResultApplier is implemented by delegator transports that materialize an
// executor result for application. Apply is invoked with the extracted
// result root.
type ResultApplier interface {
	ApplyResult(ctx context.Context, delegationID string, result *ResultRef, apply func(ctx context.Context, resultRoot string) error) error
}

// Executor is the executor-side transport surface.
type Executor interface {
	Kind() string
	Capabilities() Capabilities
	CheckDependency(ctx context.Context) DependencyStatus
	Setup(ctx context.Context, req SetupRequest) (string, error)
	Teardown(ctx context.Context, req TeardownRequest) (*ResultRef, error)
}

// Registry maps transport kinds to instances. The daemon registers the
// configured variants once at startup; both engines resolve by kind.
type Registry struct {
	mu         sync.RWMutex
	delegators map[string]Delegator
	executors  map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		delegators: make(map[string]Delegator),
		executors:  make(map[string]Executor),
	}
}

// RegisterDelegator adds a delegator-side transport.
func (r *Registry) RegisterDelegator(t Delegator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegators[t.Kind()] = t
}

// RegisterExecutor adds an executor-side transport.
func (r *Registry) RegisterExecutor(t Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t.Kind()] = t
}

// Delegator resolves a delegator-side transport by kind.
func (r *Registry) Delegator(kind string) (Delegator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.delegators[kind]
	if !ok {
		return nil, fmt.Errorf("no delegator transport registered for kind %q", kind)
	}
	return t, nil
}

// Executor resolves an executor-side transport by kind.
func (r *Registry) Executor(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor transport registered for kind %q", kind)
	}
	return t, nil
}
