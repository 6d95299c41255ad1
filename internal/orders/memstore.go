package orders

import (
	"context"
	"sync"
	"time"

	"ordermesh/internal/messages"
)

// Sink receives the envelopes committed with an order mutation.
type Sink func(ctx context.Context, out []messages.Envelope) error

// MemoryStore is an in-memory Store used in tests and when no database is
// configured.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]Order
	byKey    map[string]string
	seen     map[string]struct{}
	buffered []messages.Envelope
	sink     Sink
	now      func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore delivering envelopes to sink.
// With a nil sink, envelopes are buffered and returned by Drain.
func NewMemoryStore(sink Sink) *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]Order),
		byKey: make(map[string]string),
		seen:  make(map[string]struct{}),
		sink:  sink,
		now:   time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, order Order, out []messages.Envelope) (Order, bool, error) {
	m.mu.Lock()
	if id, ok := m.byKey[order.IdempotencyKey]; ok {
		existing := m.byID[id]
		m.mu.Unlock()
		if existing.UserID != order.UserID || existing.TotalAmount != order.TotalAmount {
			return Order{}, false, ErrIdempotencyConflict
		}
		return existing, false, nil
	}
	now := m.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	m.byID[order.ID] = order
	m.byKey[order.IdempotencyKey] = order.ID
	m.mu.Unlock()

	return order, true, m.deliver(ctx, out)
}

func (m *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.byID[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, messageID, orderID string, status Status, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[messageID]; dup {
		return false, nil
	}
	m.seen[messageID] = struct{}{}

	order, ok := m.byID[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if order.Status != StatusPending {
		return false, nil
	}
	order.Status = status
	order.FailureReason = reason
	order.UpdatedAt = m.now()
	m.byID[orderID] = order
	return true, nil
}

// Drain returns and clears the buffered envelopes (nil-sink mode).
func (m *MemoryStore) Drain() []messages.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.buffered
	m.buffered = nil
	return out
}

func (m *MemoryStore) deliver(ctx context.Context, out []messages.Envelope) error {
	if len(out) == 0 {
		return nil
	}
	if m.sink == nil {
		m.mu.Lock()
		m.buffered = append(m.buffered, out...)
		m.mu.Unlock()
		return nil
	}
	return m.sink(ctx, out)
}
