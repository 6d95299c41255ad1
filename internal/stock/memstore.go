package stock

import (
	"context"
	"sync"

	"ordermesh/internal/messages"
)

// Sink receives the outcome events committed with a stock mutation.
type Sink func(ctx context.Context, out []messages.Envelope) error

// MemoryStore is an in-memory Store used in tests and when no database is
// configured.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]Product
	seen     map[string]struct{}
	buffered []messages.Envelope
	sink     Sink
}

// NewMemoryStore constructs an empty MemoryStore delivering events to sink.
// With a nil sink, events are buffered and returned by Drain.
func NewMemoryStore(sink Sink) *MemoryStore {
	return &MemoryStore{
		products: make(map[string]Product),
		seen:     make(map[string]struct{}),
		sink:     sink,
	}
}

// Upsert inserts or replaces a product row.
func (m *MemoryStore) Upsert(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// Quantity returns the stock level for a product id.
func (m *MemoryStore) Quantity(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	return p.StockQuantity, ok
}

func (m *MemoryStore) Reserve(ctx context.Context, messageID string, cmd messages.ReserveStock) (ReserveResult, error) {
	m.mu.Lock()
	if _, dup := m.seen[messageID]; dup {
		m.mu.Unlock()
		return ReserveResult{Duplicate: true}, nil
	}
	m.seen[messageID] = struct{}{}

	// Check every merged line before mutating any: all-or-nothing.
	items := MergeItems(cmd.Items)
	for _, item := range items {
		p, ok := m.products[item.ProductID]
		if !ok || p.StockQuantity < item.Quantity {
			m.mu.Unlock()
			return ReserveResult{ShortProductID: item.ProductID}, m.deliverFailed(ctx, cmd.OrderID, item.ProductID)
		}
	}
	for _, item := range items {
		p := m.products[item.ProductID]
		p.StockQuantity -= item.Quantity
		m.products[item.ProductID] = p
	}
	m.mu.Unlock()

	env, err := messages.NewEnvelope(messages.KindStockReserved, cmd.OrderID, messages.StockReserved{OrderID: cmd.OrderID})
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{}, m.deliver(ctx, env)
}

func (m *MemoryStore) Release(ctx context.Context, messageID string, cmd messages.ReleaseStock) (ReleaseResult, error) {
	m.mu.Lock()
	if _, dup := m.seen[messageID]; dup {
		m.mu.Unlock()
		return ReleaseResult{Duplicate: true}, nil
	}
	m.seen[messageID] = struct{}{}

	var missing []string
	for _, item := range cmd.Items {
		p, ok := m.products[item.ProductID]
		if !ok {
			missing = append(missing, item.ProductID)
			continue
		}
		p.StockQuantity += item.Quantity
		m.products[item.ProductID] = p
	}
	m.mu.Unlock()

	return ReleaseResult{MissingProducts: missing}, nil
}

// Drain returns and clears the buffered events (nil-sink mode).
func (m *MemoryStore) Drain() []messages.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.buffered
	m.buffered = nil
	return out
}

func (m *MemoryStore) deliverFailed(ctx context.Context, orderID, productID string) error {
	env, err := messages.NewEnvelope(messages.KindStockReservationFailed, orderID, messages.StockReservationFailed{
		OrderID: orderID,
		Reason:  "insufficient stock for product " + productID,
	})
	if err != nil {
		return err
	}
	return m.deliver(ctx, env)
}

func (m *MemoryStore) deliver(ctx context.Context, envs ...messages.Envelope) error {
	if m.sink == nil {
		m.mu.Lock()
		m.buffered = append(m.buffered, envs...)
		m.mu.Unlock()
		return nil
	}
	return m.sink(ctx, envs)
}
