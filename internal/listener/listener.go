// Package listener receives inbound protocol messages and serves task
// event streams. Listeners never import engine internals: they talk to a
// Handler interface the daemon composes from the engines.
package listener

import (
	"context"

	v1 "github.com/awcp/awcp/pkg/api/v1"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Handler is the engine surface a listener dispatches into. Every attached
// listener shares one handler, so a delegation may be answered on any
// listener regardless of where it arrived.
type Handler interface {
	// HandleMessage processes an inbound protocol message and returns an
	// optional synchronous reply.
	HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	// SubscribeTask attaches a task-event handler; the returned function
	// unsubscribes.
	SubscribeTask(id string, handler func(*protocol.TaskEvent)) (func(), error)
	GetTaskResult(id string) *v1.TaskResultView
	CancelDelegation(ctx context.Context, id string) error
	Status() *v1.ExecutorStatus
}

// Info describes a started listener.
type Info struct {
	Type      string
	PublicURL string
}

// Listener is one connection endpoint feeding the handler.
type Listener interface {
	Start(ctx context.Context, handler Handler) (*Info, error)
	Stop() error
}
