package payment

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
	"ordermesh/internal/reliability"
)

func processEnvelope(t *testing.T, orderID, ref string, amount float64) messages.Envelope {
	t.Helper()
	return messages.MustEnvelope(messages.KindProcessPayment, orderID, messages.ProcessPayment{
		OrderID:          orderID,
		UserID:           "user-1",
		Amount:           amount,
		PaymentMethodRef: ref,
	})
}

func newTestParticipant(provider Provider, recorder Recorder, b bus.Bus) *Participant {
	cfg := Config{
		Timeout: time.Second,
		Retry:   reliability.RetryPolicy{MaxAttempts: 1},
	}
	return NewParticipant(provider, recorder, b, cfg, slog.Default(), nil)
}

func TestParticipant_ChargeSucceedsAndRecords(t *testing.T) {
	t.Parallel()

	recorder := NewMemoryRecorder(nil)
	p := newTestParticipant(SimulatedProvider{}, recorder, nil)

	env := processEnvelope(t, "order-1", "pm_visa", 42.50)
	if err := p.HandleProcess(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	txn, amount, ok := recorder.Charge("order-1")
	if !ok || txn == "" || amount != 42.50 {
		t.Fatalf("expected recorded charge, got txn=%q amount=%v ok=%v", txn, amount, ok)
	}
	events := recorder.Drain()
	if len(events) != 1 || events[0].Kind != messages.KindPaymentCompleted {
		t.Fatalf("expected PaymentCompleted, got %+v", events)
	}
	var completed messages.PaymentCompleted
	if err := events[0].Decode(&completed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if completed.TransactionID != txn {
		t.Fatalf("event txn %q != recorded txn %q", completed.TransactionID, txn)
	}
}

func TestParticipant_DeclinedEmitsPaymentFailed(t *testing.T) {
	t.Parallel()

	b := bus.NewInMemoryBus(1, slog.Default())
	var published []messages.Envelope
	b.Subscribe(messages.KindPaymentFailed, func(_ context.Context, env messages.Envelope) error {
		published = append(published, env)
		return nil
	})

	recorder := NewMemoryRecorder(nil)
	p := newTestParticipant(SimulatedProvider{}, recorder, b)

	env := processEnvelope(t, "order-1", "declined_card", 10)
	if err := p.HandleProcess(context.Background(), env); err != nil {
		t.Fatalf("decline must be reported as event, got %v", err)
	}

	if len(published) != 1 {
		t.Fatalf("expected one failure event, got %d", len(published))
	}
	var failed messages.PaymentFailed
	if err := published[0].Decode(&failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.Reason == "" {
		t.Fatalf("expected a failure reason")
	}
	if _, _, ok := recorder.Charge("order-1"); ok {
		t.Fatalf("declined charge must not be recorded")
	}
}

func TestParticipant_RedeliveryDoesNotDoubleCharge(t *testing.T) {
	t.Parallel()

	recorder := NewMemoryRecorder(nil)
	p := newTestParticipant(SimulatedProvider{}, recorder, nil)

	env := processEnvelope(t, "order-1", "pm_visa", 10)
	if err := p.HandleProcess(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	first, _, _ := recorder.Charge("order-1")
	recorder.Drain()

	if err := p.HandleProcess(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	second, _, _ := recorder.Charge("order-1")
	if second != first {
		t.Fatalf("redelivery replaced the recorded charge: %q -> %q", first, second)
	}
	if events := recorder.Drain(); len(events) != 0 {
		t.Fatalf("redelivery must not emit a second completion, got %+v", events)
	}
}

func TestParticipant_ProviderRetriedBeforeFailing(t *testing.T) {
	t.Parallel()

	provider := &flakyProvider{failures: 2}
	recorder := NewMemoryRecorder(nil)
	cfg := Config{
		Timeout: time.Second,
		Retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}
	p := NewParticipant(provider, recorder, nil, cfg, slog.Default(), nil)

	env := processEnvelope(t, "order-1", "pm_visa", 10)
	if err := p.HandleProcess(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", provider.calls)
	}
	if _, _, ok := recorder.Charge("order-1"); !ok {
		t.Fatalf("expected charge recorded after retries")
	}
}

func TestParticipant_UnrecordedChargePropagatesForRedelivery(t *testing.T) {
	t.Parallel()

	p := newTestParticipant(SimulatedProvider{}, failingRecorder{}, nil)
	env := processEnvelope(t, "order-1", "pm_visa", 10)
	if err := p.HandleProcess(context.Background(), env); err == nil {
		t.Fatalf("expected error when charge cannot be recorded")
	}
}

// flakyProvider fails the first n calls, then succeeds.
type flakyProvider struct {
	failures int
	calls    int
}

func (f *flakyProvider) Charge(_ context.Context, req ChargeRequest) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("provider unavailable")
	}
	return "txn-" + req.OrderID, nil
}

type failingRecorder struct{}

func (failingRecorder) RecordCharge(context.Context, string, string, float64) (bool, string, error) {
	return false, "", errors.New("db down")
}
