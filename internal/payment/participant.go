// Package payment charges orders through an external provider and reports
// the outcome to the saga as events.
package payment

import (
	"context"
	"log/slog"
	"time"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
	"ordermesh/internal/observability"
	"ordermesh/internal/reliability"
)

// ChargeRequest is one charge attempt against the provider. IdempotencyKey is
// stable per order so providers that support idempotency keys can deduplicate
// retried attempts.
type ChargeRequest struct {
	OrderID          string
	UserID           string
	PaymentMethodRef string
	IdempotencyKey   string
	Amount           float64
}

// Provider is the external payment processor boundary.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (transactionID string, err error)
}

// Recorder persists a successful charge and its PaymentCompleted event
// atomically. At most one charge is recorded per order; a second call for the
// same order returns created=false and the original transaction id.
type Recorder interface {
	RecordCharge(ctx context.Context, orderID, transactionID string, amount float64) (created bool, existingTxn string, err error)
}

// Config tunes the outbound provider call.
type Config struct {
	// Timeout bounds one provider call; an expired call becomes PaymentFailed.
	Timeout time.Duration
	Retry   reliability.RetryPolicy
	Breaker *reliability.CircuitBreaker
	Limiter *reliability.RateLimiter
}

// Participant consumes ProcessPayment commands.
type Participant struct {
	provider Provider
	recorder Recorder
	bus      bus.Bus
	cfg      Config
	log      *slog.Logger
	metrics  *observability.Metrics
}

// NewParticipant constructs a payment Participant. log and metrics may be nil.
func NewParticipant(provider Provider, recorder Recorder, b bus.Bus, cfg Config, log *slog.Logger, metrics *observability.Metrics) *Participant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Participant{
		provider: provider,
		recorder: recorder,
		bus:      b,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}
}

// Register subscribes the participant to its command kind.
func (p *Participant) Register(b bus.Bus) {
	b.Subscribe(messages.KindProcessPayment, p.HandleProcess)
}

// HandleProcess charges the order. Every outcome is communicated as an event;
// the saga has no other channel to learn the result. Only a failure to even
// publish the outcome propagates, so redelivery can retry.
func (p *Participant) HandleProcess(ctx context.Context, env messages.Envelope) (err error) {
	span := p.metrics.Start("payment.process")
	defer func() { span.End(err) }()

	var cmd messages.ProcessPayment
	if err := env.Decode(&cmd); err != nil {
		p.log.Error("undecodable payment command dropped", "message_id", env.ID, "error", err)
		return nil
	}

	txn, chargeErr := p.charge(ctx, cmd)
	if chargeErr != nil {
		p.log.Warn("payment failed", "order_id", cmd.OrderID, "amount", cmd.Amount, "error", chargeErr)
		p.metrics.Count("payment.failed")
		err = p.publish(ctx, messages.KindPaymentFailed, cmd.OrderID, messages.PaymentFailed{
			OrderID: cmd.OrderID,
			Reason:  chargeErr.Error(),
		})
		return err
	}

	created, existing, recErr := p.recorder.RecordCharge(ctx, cmd.OrderID, txn, cmd.Amount)
	if recErr != nil {
		// Charged but unrecorded: redeliver and rely on the provider-side
		// idempotency key to absorb the repeated attempt.
		p.log.Error("charge succeeded but could not be recorded",
			"order_id", cmd.OrderID, "transaction_id", txn, "error", recErr)
		err = recErr
		return err
	}
	if !created {
		p.log.Info("order already charged", "order_id", cmd.OrderID, "transaction_id", existing)
		p.metrics.Count("payment.duplicate")
		return nil
	}

	p.log.Info("payment completed", "order_id", cmd.OrderID, "transaction_id", txn, "amount", cmd.Amount)
	p.metrics.Count("payment.completed")
	return nil
}

func (p *Participant) charge(ctx context.Context, cmd messages.ProcessPayment) (string, error) {
	req := ChargeRequest{
		OrderID:          cmd.OrderID,
		UserID:           cmd.UserID,
		PaymentMethodRef: cmd.PaymentMethodRef,
		IdempotencyKey:   "charge-" + cmd.OrderID,
		Amount:           cmd.Amount,
	}

	var txn string
	attempt := func() error {
		if p.cfg.Limiter != nil {
			waitStart := time.Now()
			if err := p.cfg.Limiter.Wait(ctx); err != nil {
				return err
			}
			p.metrics.AddRateLimitWait(time.Since(waitStart))
		}

		call := func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			id, err := p.provider.Charge(callCtx, req)
			if err != nil {
				return err
			}
			txn = id
			return nil
		}
		if p.cfg.Breaker != nil {
			return p.cfg.Breaker.Execute(call)
		}
		return call()
	}

	if err := p.cfg.Retry.Do(ctx, attempt); err != nil {
		return "", err
	}
	return txn, nil
}

func (p *Participant) publish(ctx context.Context, kind messages.Kind, orderID string, payload any) error {
	env, err := messages.NewEnvelope(kind, orderID, payload)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, env)
}
