// Package messages defines the commands and events exchanged between the
// order saga and its participants, plus the envelope they travel in.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a message type on the bus.
type Kind string

// Events (participant -> saga).
const (
	KindOrderSubmitted         Kind = "order.submitted"
	KindStockReserved          Kind = "stock.reserved"
	KindStockReservationFailed Kind = "stock.reservation_failed"
	KindPaymentCompleted       Kind = "payment.completed"
	KindPaymentFailed          Kind = "payment.failed"
)

// Commands (saga -> participant).
const (
	KindReserveStock   Kind = "stock.reserve"
	KindReleaseStock   Kind = "stock.release"
	KindProcessPayment Kind = "payment.process"
	KindCancelOrder    Kind = "order.cancel"
	KindCompleteOrder  Kind = "order.complete"
)

// Item is one order line.
type Item struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// OrderSubmitted starts a saga instance.
type OrderSubmitted struct {
	OrderID          string  `json:"orderId"`
	UserID           string  `json:"userId"`
	TotalAmount      float64 `json:"totalAmount"`
	PaymentMethodRef string  `json:"paymentMethodRef"`
	Items            []Item  `json:"items"`
}

// StockReserved reports a successful reservation.
type StockReserved struct {
	OrderID string `json:"orderId"`
}

// StockReservationFailed reports a failed reservation.
type StockReservationFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// PaymentCompleted reports a successful charge.
type PaymentCompleted struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

// PaymentFailed reports a declined or errored charge.
type PaymentFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// ReserveStock asks the stock participant to reserve all items or none.
type ReserveStock struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

// ReleaseStock asks the stock participant to restore reserved quantities.
type ReleaseStock struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

// ProcessPayment asks the payment participant to charge the user.
type ProcessPayment struct {
	OrderID          string  `json:"orderId"`
	UserID           string  `json:"userId"`
	Amount           float64 `json:"amount"`
	PaymentMethodRef string  `json:"paymentMethodRef"`
}

// CancelOrder marks the order row as cancelled.
type CancelOrder struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// CompleteOrder marks the order row as completed.
type CompleteOrder struct {
	OrderID string `json:"orderId"`
}

// Envelope wraps a message for transport. ID is unique per publication and is
// the deduplication key for inbox-guarded consumers; CorrelationID threads all
// messages of one saga instance.
type Envelope struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload with a fresh message id.
func NewEnvelope(kind Kind, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to encode.
func MustEnvelope(kind Kind, correlationID string, payload any) Envelope {
	env, err := NewEnvelope(kind, correlationID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return nil
}
