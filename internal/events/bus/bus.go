// Package bus carries task events from the engines to the listeners. The
// in-process bus is the default; the NATS bus serves multi-process
// deployments.
package bus

import (
	"context"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// SubjectPrefix namespaces per-delegation subjects: awcp.task.<id>.
const SubjectPrefix = "awcp.task."

// Handler consumes one task event.
type Handler func(event *protocol.TaskEvent)

// Subscription is a cancellable event subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus fans task events out to subscribers. For a given delegation,
// events are delivered in publish order and no event is delivered twice to
// the same subscription.
type EventBus interface {
	Publish(ctx context.Context, delegationID string, event *protocol.TaskEvent) error
	Subscribe(delegationID string, handler Handler) (Subscription, error)
	Close()
}
