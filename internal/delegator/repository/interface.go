// Package repository stores delegation records. The memory store is the
// authoritative live table; the sqlite store persists terminal records so
// results survive a daemon restart for the retention window.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/awcp/awcp/internal/delegation"
)

// ErrNotFound is returned when a delegation id is unknown.
var ErrNotFound = errors.New("delegation not found")

// Repository provides delegation record storage operations.
type Repository interface {
	Create(ctx context.Context, d *delegation.Delegation) error
	Get(ctx context.Context, id string) (*delegation.Delegation, error)
	List(ctx context.Context) ([]*delegation.Delegation, error)
	Update(ctx context.Context, d *delegation.Delegation) error
	Delete(ctx context.Context, id string) error

	// PruneTerminal removes terminal records last updated before the cutoff.
	PruneTerminal(ctx context.Context, before time.Time) (int, error)

	Close() error
}
