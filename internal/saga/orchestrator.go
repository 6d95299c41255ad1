package saga

import (
	"context"
	"errors"
	"log/slog"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
	"ordermesh/internal/observability"
)

// Orchestrator applies incoming events to saga instances and persists the
// resulting transition together with its outbound commands.
type Orchestrator struct {
	store   Store
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewOrchestrator constructs an Orchestrator. log and metrics may be nil.
func NewOrchestrator(store Store, log *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{store: store, log: log, metrics: metrics}
}

// Register subscribes the orchestrator to every saga event kind.
func (o *Orchestrator) Register(b bus.Bus) {
	for _, kind := range []messages.Kind{
		messages.KindOrderSubmitted,
		messages.KindStockReserved,
		messages.KindStockReservationFailed,
		messages.KindPaymentCompleted,
		messages.KindPaymentFailed,
	} {
		b.Subscribe(kind, o.Handle)
	}
}

// Handle processes one delivered event. It returns an error only for
// retryable infrastructure failures; invalid, duplicate, and orphan events
// are dropped so redelivery cannot wedge the stream.
func (o *Orchestrator) Handle(ctx context.Context, env messages.Envelope) (err error) {
	span := o.metrics.Start("saga." + string(env.Kind))
	defer func() { span.End(err) }()

	if env.Kind == messages.KindOrderSubmitted {
		err = o.handleSubmitted(ctx, env)
		return err
	}
	err = o.handleEvent(ctx, env)
	return err
}

func (o *Orchestrator) handleSubmitted(ctx context.Context, env messages.Envelope) error {
	var ev messages.OrderSubmitted
	if err := env.Decode(&ev); err != nil {
		o.log.Error("undecodable order submission dropped", "message_id", env.ID, "error", err)
		o.metrics.Count("saga.dropped_malformed")
		return nil
	}

	inst := Instance{
		CorrelationID: ev.OrderID,
		CurrentState:  StateInitial,
	}
	inst, cmds, err := Apply(inst, env)
	if err != nil {
		return err
	}

	created, err := o.store.Create(ctx, inst, cmds)
	if err != nil {
		return err
	}
	if !created {
		o.log.Info("duplicate order submission ignored", "correlation_id", ev.OrderID)
		o.metrics.Count("saga.duplicate_submission")
		return nil
	}

	o.log.Info("saga started", "correlation_id", ev.OrderID, "total_amount", ev.TotalAmount)
	o.metrics.Count("saga.started")
	return nil
}

func (o *Orchestrator) handleEvent(ctx context.Context, env messages.Envelope) error {
	inst, err := o.store.Get(ctx, env.CorrelationID)
	if errors.Is(err, ErrNotFound) {
		o.log.Warn("event for unknown saga dropped",
			"kind", env.Kind, "correlation_id", env.CorrelationID)
		o.metrics.Count("saga.dropped_orphan")
		return nil
	}
	if err != nil {
		return err
	}

	if inst.CurrentState.Terminal() {
		o.log.Info("event for terminal saga dropped",
			"kind", env.Kind, "correlation_id", env.CorrelationID, "state", inst.CurrentState)
		o.metrics.Count("saga.dropped_terminal")
		return nil
	}

	from := inst.CurrentState
	inst, cmds, err := Apply(inst, env)
	if errors.Is(err, ErrInvalidTransition) {
		o.log.Warn("invalid transition dropped",
			"kind", env.Kind, "correlation_id", env.CorrelationID, "state", from)
		o.metrics.Count("saga.dropped_invalid")
		return nil
	}
	if err != nil {
		return err
	}

	if err := o.store.Transition(ctx, inst, cmds); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// A concurrent transition won; redelivery retries against the
			// new state and the terminal/invalid guards absorb it.
			o.log.Warn("concurrent transition, retrying via redelivery",
				"kind", env.Kind, "correlation_id", env.CorrelationID)
			o.metrics.Count("saga.version_conflict")
		}
		return err
	}

	o.log.Info("saga transition",
		"correlation_id", env.CorrelationID, "from", from, "to", inst.CurrentState, "event", env.Kind)
	o.metrics.Count("saga.transition")
	return nil
}
