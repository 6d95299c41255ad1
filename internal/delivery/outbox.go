// Package delivery moves committed outbox rows onto the bus and tracks
// processed message ids for consumers.
package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"ordermesh/internal/messages"
)

// OutboxMessage is one pending outbox row.
type OutboxMessage struct {
	Envelope      messages.Envelope
	Attempts      int
	NextAttemptAt time.Time
}

// OutboxStore holds messages committed alongside state changes until the
// dispatcher hands them to the bus.
type OutboxStore interface {
	// NextBatch returns up to limit pending messages due at or before now,
	// oldest first. Implementations may lease the returned rows so that
	// concurrent dispatchers skip them while the publish is in flight.
	NextBatch(ctx context.Context, limit int, now time.Time) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, messageID string) error
	// Reschedule bumps the attempt count and sets the next due time.
	Reschedule(ctx context.Context, messageID string, attempts int, next time.Time) error
	// MarkFailed parks a message that exhausted its attempts.
	MarkFailed(ctx context.Context, messageID string) error
}

type memOutboxRow struct {
	msg    OutboxMessage
	sent   bool
	failed bool
}

// MemoryOutbox is an in-memory OutboxStore for tests and database-less runs.
type MemoryOutbox struct {
	mu   sync.Mutex
	rows map[string]*memOutboxRow
}

// NewMemoryOutbox constructs an empty MemoryOutbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{rows: make(map[string]*memOutboxRow)}
}

// Append stores envelopes as pending rows. Its signature matches the store
// sinks, so memory stores can commit straight into the outbox.
func (m *MemoryOutbox) Append(ctx context.Context, out []messages.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range out {
		if _, ok := m.rows[env.ID]; ok {
			continue
		}
		m.rows[env.ID] = &memOutboxRow{msg: OutboxMessage{Envelope: env}}
	}
	return nil
}

func (m *MemoryOutbox) NextBatch(_ context.Context, limit int, now time.Time) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []OutboxMessage
	for _, row := range m.rows {
		if row.sent || row.failed || row.msg.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, row.msg)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Envelope.OccurredAt.Before(due[j].Envelope.OccurredAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryOutbox) MarkSent(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[messageID]; ok {
		row.sent = true
	}
	return nil
}

func (m *MemoryOutbox) Reschedule(_ context.Context, messageID string, attempts int, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[messageID]; ok {
		row.msg.Attempts = attempts
		row.msg.NextAttemptAt = next
	}
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[messageID]; ok {
		row.failed = true
	}
	return nil
}

// Failed reports whether a message id was parked.
func (m *MemoryOutbox) Failed(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[messageID]
	return ok && row.failed
}
