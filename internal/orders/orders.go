// Package orders accepts order submissions and tracks their user-visible
// status while the saga runs.
package orders

import (
	"context"
	"errors"
	"time"

	"ordermesh/internal/messages"
)

// Status is the user-visible lifecycle of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Order is one order row.
type Order struct {
	ID               string
	IdempotencyKey   string
	UserID           string
	Status           Status
	TotalAmount      float64
	PaymentMethodRef string
	Items            []messages.Item
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ErrNotFound signals no order exists for the id.
var ErrNotFound = errors.New("order not found")

// ErrIdempotencyConflict signals an idempotency key reused with a different
// payload.
var ErrIdempotencyConflict = errors.New("idempotency key conflict")

// Store persists orders. Create commits the order row and its outbound
// envelopes atomically; SetStatus records the consuming message id in the same
// transaction so redeliveries are no-ops.
type Store interface {
	// Create inserts the order, or returns the existing row for its
	// idempotency key with created=false. A key reused for a different
	// user or amount returns ErrIdempotencyConflict.
	Create(ctx context.Context, order Order, out []messages.Envelope) (Order, bool, error)
	Get(ctx context.Context, id string) (Order, error)
	// SetStatus applies a terminal status. It returns false when messageID
	// was already processed or the order is already terminal.
	SetStatus(ctx context.Context, messageID, orderID string, status Status, reason string) (bool, error)
}
