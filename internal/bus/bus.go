// Package bus carries saga commands and events between participants with
// at-least-once delivery. Handlers must be idempotent and tolerant of
// out-of-order arrival; a handler error triggers redelivery.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ordermesh/internal/messages"
)

// Handler consumes one delivered message. Returning an error requests
// redelivery; returning nil acknowledges the message.
type Handler func(ctx context.Context, env messages.Envelope) error

// Bus publishes envelopes to all subscribers of their kind.
type Bus interface {
	Publish(ctx context.Context, env messages.Envelope) error
	Subscribe(kind messages.Kind, h Handler)
}

// InMemoryBus delivers messages synchronously in-process. A failing handler
// is retried up to MaxAttempts times per publication; exhausted messages are
// dropped with an error log, which the saga sweeper eventually surfaces as a
// timed-out instance.
type InMemoryBus struct {
	mu          sync.RWMutex
	handlers    map[messages.Kind][]Handler
	maxAttempts int
	log         *slog.Logger
}

// NewInMemoryBus constructs an in-memory bus. maxAttempts < 1 defaults to 3.
func NewInMemoryBus(maxAttempts int, log *slog.Logger) *InMemoryBus {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryBus{
		handlers:    make(map[messages.Kind][]Handler),
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Subscribe registers a handler for a message kind.
func (b *InMemoryBus) Subscribe(kind messages.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish delivers the envelope to every subscriber of its kind. Each
// subscriber is retried independently so a poison handler cannot block the
// rest.
func (b *InMemoryBus) Publish(ctx context.Context, env messages.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	subs := append([]Handler(nil), b.handlers[env.Kind]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscribers for %s", env.Kind)
	}

	for _, h := range subs {
		b.deliver(ctx, env, h)
	}
	return nil
}

func (b *InMemoryBus) deliver(ctx context.Context, env messages.Envelope, h Handler) {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = h(ctx, env); err == nil {
			return
		}
		b.log.Warn("handler failed, redelivering",
			"kind", env.Kind,
			"message_id", env.ID,
			"correlation_id", env.CorrelationID,
			"attempt", attempt,
			"error", err,
		)
	}
	b.log.Error("message dropped after redelivery attempts exhausted",
		"kind", env.Kind,
		"message_id", env.ID,
		"correlation_id", env.CorrelationID,
		"error", err,
	)
}
