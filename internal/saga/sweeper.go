package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ordermesh/internal/observability"
)

// Sweeper forces saga instances with no terminal transition within the SLA
// into Failed with a synthetic timeout reason, emitting the same compensation
// commands a failure event would.
type Sweeper struct {
	store    Store
	interval time.Duration
	sla      time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewSweeper constructs a Sweeper. interval defaults to 30s and sla to 5m.
func NewSweeper(store Store, interval, sla time.Duration, log *slog.Logger, metrics *observability.Metrics) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if sla <= 0 {
		sla = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		sla:      sla,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every instance stuck past the SLA. Version conflicts are
// skipped: a real event won the race while the sweep was running.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.sla)
	stuck, err := s.store.StuckBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, inst := range stuck {
		if inst.CurrentState.Terminal() {
			continue
		}

		reason := timeoutReason(inst.CurrentState)
		failed, cmds, err := fail(inst, reason, inst.CurrentState == StateStockReserved)
		if err != nil {
			s.log.Error("building timeout compensation failed",
				"correlation_id", inst.CorrelationID, "error", err)
			continue
		}

		switch err := s.store.Transition(ctx, failed, cmds); {
		case errors.Is(err, ErrVersionConflict):
			continue
		case err != nil:
			s.log.Error("timing out saga failed",
				"correlation_id", inst.CorrelationID, "error", err)
		default:
			s.log.Warn("saga timed out",
				"correlation_id", inst.CorrelationID, "stuck_in", inst.CurrentState, "reason", reason)
			s.metrics.Count("saga.timed_out")
		}
	}
	return nil
}

func timeoutReason(state State) string {
	switch state {
	case StateSubmitted:
		return "timed out waiting for stock reservation"
	case StateStockReserved:
		return "timed out waiting for payment"
	default:
		return "timed out in state " + string(state)
	}
}
