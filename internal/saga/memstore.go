package saga

import (
	"context"
	"sync"
	"time"

	"ordermesh/internal/messages"
)

// Sink receives the outbound envelopes committed with a state change. The
// in-memory store calls it after the mutation is visible, outside its lock.
type Sink func(ctx context.Context, out []messages.Envelope) error

// MemoryStore is an in-memory Store used in tests and when no database is
// configured. With a nil sink, committed envelopes are buffered and can be
// inspected via Drain.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	buffered  []messages.Envelope
	sink      Sink
	now       func() time.Time
}

// NewMemoryStore constructs a MemoryStore delivering envelopes to sink.
func NewMemoryStore(sink Sink) *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]Instance),
		sink:      sink,
		now:       time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, inst Instance, out []messages.Envelope) (bool, error) {
	m.mu.Lock()
	if _, exists := m.instances[inst.CorrelationID]; exists {
		m.mu.Unlock()
		return false, nil
	}
	now := m.now()
	inst.Version = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now
	m.instances[inst.CorrelationID] = inst
	m.mu.Unlock()

	return true, m.deliver(ctx, out)
}

func (m *MemoryStore) Get(_ context.Context, correlationID string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[correlationID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (m *MemoryStore) Transition(ctx context.Context, inst Instance, out []messages.Envelope) error {
	m.mu.Lock()
	stored, ok := m.instances[inst.CorrelationID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if stored.Version != inst.Version {
		m.mu.Unlock()
		return ErrVersionConflict
	}
	inst.Version++
	inst.UpdatedAt = m.now()
	m.instances[inst.CorrelationID] = inst
	m.mu.Unlock()

	return m.deliver(ctx, out)
}

func (m *MemoryStore) StuckBefore(_ context.Context, cutoff time.Time) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stuck []Instance
	for _, inst := range m.instances {
		if !inst.CurrentState.Terminal() && inst.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, inst)
		}
	}
	return stuck, nil
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
