// Package saga drives the order placement lifecycle: it reacts to participant
// events, issues the next command, and compensates on failure.
package saga

import (
	"context"
	"errors"
	"time"

	"ordermesh/internal/messages"
)

// State is the lifecycle position of one saga instance.
type State string

const (
	StateInitial       State = "initial"
	StateSubmitted     State = "submitted"
	StateStockReserved State = "stock_reserved"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions apply.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Instance is the persisted state of one order's saga. Exactly one instance
// exists per correlation id; instances are never deleted.
type Instance struct {
	CorrelationID    string
	CurrentState     State
	UserID           string
	TotalAmount      float64
	PaymentMethodRef string
	Items            []messages.Item
	FailureReason    string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists saga instances with optimistic concurrency. Create and
// Transition commit the instance mutation and the outbound envelopes
// atomically (outbox pattern).
type Store interface {
	// Create inserts a new instance along with its initial commands. It
	// returns false without error when the correlation id already exists,
	// making duplicate OrderSubmitted deliveries a no-op.
	Create(ctx context.Context, inst Instance, out []messages.Envelope) (bool, error)
	// Get loads an instance by correlation id, or ErrNotFound.
	Get(ctx context.Context, correlationID string) (Instance, error)
	// Transition persists the mutated instance if its Version still matches
	// the stored row, bumping the version. A concurrent writer surfaces as
	// ErrVersionConflict and the caller relies on bus redelivery to retry.
	Transition(ctx context.Context, inst Instance, out []messages.Envelope) error
	// StuckBefore lists non-terminal instances not updated since cutoff.
	StuckBefore(ctx context.Context, cutoff time.Time) ([]Instance, error)
}

// ErrNotFound signals no instance exists for the correlation id.
var ErrNotFound = errors.New("saga instance not found")

// ErrVersionConflict signals a concurrent transition won the race.
var ErrVersionConflict = errors.New("saga version conflict")

// ErrInvalidTransition signals an event that does not apply in the current
// state; such events are dropped, not failed.
var ErrInvalidTransition = errors.New("invalid saga transition")
