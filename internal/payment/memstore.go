package payment

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ordermesh/internal/messages"
)

// Sink receives the PaymentCompleted event committed with a recorded charge.
type Sink func(ctx context.Context, out []messages.Envelope) error

type chargeRecord struct {
	transactionID string
	amount        float64
}

// MemoryRecorder is an in-memory Recorder used in tests and when no database
// is configured.
type MemoryRecorder struct {
	mu       sync.Mutex
	charges  map[string]chargeRecord
	buffered []messages.Envelope
	sink     Sink
}

// NewMemoryRecorder constructs an empty MemoryRecorder delivering events to
// sink. With a nil sink, events are buffered and returned by Drain.
func NewMemoryRecorder(sink Sink) *MemoryRecorder {
	return &MemoryRecorder{
		charges: make(map[string]chargeRecord),
		sink:    sink,
	}
}

func (m *MemoryRecorder) RecordCharge(ctx context.Context, orderID, transactionID string, amount float64) (bool, string, error) {
	m.mu.Lock()
	if existing, ok := m.charges[orderID]; ok {
		m.mu.Unlock()
		return false, existing.transactionID, nil
	}
	m.charges[orderID] = chargeRecord{transactionID: transactionID, amount: amount}
	m.mu.Unlock()

	env, err := messages.NewEnvelope(messages.KindPaymentCompleted, orderID, messages.PaymentCompleted{
		OrderID:       orderID,
		TransactionID: transactionID,
	})
	if err != nil {
		return false, "", err
	}
	if m.sink == nil {
		m.mu.Lock()
		m.buffered = append(m.buffered, env)
		m.mu.Unlock()
		return true, "", nil
	}
	return true, "", m.sink(ctx, []messages.Envelope{env})
}

// Charge returns the recorded charge for an order id.
func (m *MemoryRecorder) Charge(orderID string) (transactionID string, amount float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.charges[orderID]
	return rec.transactionID, rec.amount, ok
}

// Drain returns and clears the buffered events (nil-sink mode).
func (m *MemoryRecorder) Drain() []messages.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.buffered
	m.buffered = nil
	return out
}

// ErrDeclined is returned by SimulatedProvider for payment method refs it is
// configured to decline.
var ErrDeclined = errors.New("payment declined by provider")

// SimulatedProvider is a deterministic Provider for local runs and tests. It
// declines refs with the "declined" prefix and approves everything else.
type SimulatedProvider struct{}

func (SimulatedProvider) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.HasPrefix(req.PaymentMethodRef, "declined") {
		return "", ErrDeclined
	}
	if req.Amount <= 0 {
		return "", errors.New("charge amount must be positive")
	}
	return "sim-" + uuid.NewString(), nil
}
