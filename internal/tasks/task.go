package tasks

import (
	"context"
	"time"
)

type Kind string

const (
	KindFinalize Kind = "finalize_payment"
	KindCancel   Kind = "cancel_payment"
	KindSettle   Kind = "settle_payment"
)

type State string

const (
	StateScheduled State = "SCHEDULED"
	StateReserved  State = "RESERVED"
	StateRunning   State = "RUNNING"
	StateDone      State = "DONE"
	StateRevoked   State = "REVOKED"
)

// Pending reports whether the task has not started yet.
func (s State) Pending() bool {
	return s == StateScheduled || s == StateReserved
}

// Payload is what a handler needs to act on an order.
type Payload struct {
	OrderID        int64  `json:"order_id"`
	GatewayOrderID string `json:"gateway_order_id,omitempty"`
	Attempt        int    `json:"attempt"`
}

// Task is a unit of deferred work as stored by the broker
type Task struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
	ETA       time.Time `json:"eta"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a point-in-time view of broker state for operators
type Snapshot struct {
	Active    []Task   `json:"active"`
	Reserved  []Task   `json:"reserved"`
	Scheduled []Task   `json:"scheduled"`
	Revoked   []string `json:"revoked"`
}

// Broker stores deferred tasks and hands due ones to workers. Delivery is
// at-least-once; revocation is advisory.
type Broker interface {
	Push(ctx context.Context, task Task) error
	// Claim moves up to limit due, non-revoked tasks to reserved.
	Claim(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Start marks a reserved task running as of now. It returns false when
	// the task was revoked after being claimed.
	Start(ctx context.Context, id string, now time.Time) (bool, error)
	Done(ctx context.Context, id string) error
	// Release puts a reserved or running task back on the schedule at task.ETA.
	Release(ctx context.Context, task Task) error
	Revoke(ctx context.Context, id string) error
	State(ctx context.Context, id string) (State, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Purge drops all scheduled and reserved work and returns how many tasks were dropped.
	Purge(ctx context.Context) (int, error)
	// Recover returns tasks reserved or started before staleBefore to the
	// schedule. Their worker is presumed dead.
	Recover(ctx context.Context, staleBefore time.Time) (int, error)
	Ping(ctx context.Context) error
}
