package delivery

import (
	"context"
	"log/slog"
	"time"

	"ordermesh/internal/bus"
	"ordermesh/internal/observability"
	"ordermesh/internal/reliability"
)

// DispatcherConfig tunes the outbox poll loop.
type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
}

// Dispatcher polls the outbox and publishes due messages. A message leaves
// the outbox only after the bus accepts it, so delivery is at-least-once.
type Dispatcher struct {
	store   OutboxStore
	bus     bus.Bus
	cfg     DispatcherConfig
	log     *slog.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewDispatcher constructs a Dispatcher. log and metrics may be nil.
func NewDispatcher(store OutboxStore, b bus.Bus, cfg DispatcherConfig, log *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		bus:     b,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.log.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// DispatchOnce publishes one batch of due messages and returns how many were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	batch, err := d.store.NextBatch(ctx, d.cfg.BatchSize, now)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := d.bus.Publish(ctx, msg.Envelope); err != nil {
			if derr := d.holdBack(ctx, msg, err); derr != nil {
				return sent, derr
			}
			continue
		}
		if err := d.store.MarkSent(ctx, msg.Envelope.ID); err != nil {
			// The message went out but stays pending; the next poll will
			// publish it again and downstream dedup absorbs the duplicate.
			d.log.Warn("sent message not marked, will redeliver",
				"message_id", msg.Envelope.ID, "error", err)
			continue
		}
		sent++
		d.metrics.Count("outbox.sent")
	}
	return sent, nil
}

func (d *Dispatcher) holdBack(ctx context.Context, msg OutboxMessage, cause error) error {
	attempts := msg.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		d.log.Error("outbox message exhausted its attempts, parked",
			"message_id", msg.Envelope.ID, "kind", msg.Envelope.Kind, "attempts", attempts, "error", cause)
		d.metrics.Count("outbox.parked")
		return d.store.MarkFailed(ctx, msg.Envelope.ID)
	}

	next := d.now().Add(reliability.Backoff(d.cfg.BaseDelay, d.cfg.MaxDelay, attempts))
	d.log.Warn("outbox publish failed, rescheduled",
		"message_id", msg.Envelope.ID, "kind", msg.Envelope.Kind, "attempts", attempts, "error", cause)
	d.metrics.Count("outbox.rescheduled")
	return d.store.Reschedule(ctx, msg.Envelope.ID, attempts, next)
}
