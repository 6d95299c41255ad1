package saga

import (
	"context"
	"testing"
	"time"

	"ordermesh/internal/messages"
)

func TestSweeper_FailsStuckSubmittedSaga(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	orch := NewOrchestrator(store, nil, nil)
	ctx := context.Background()

	if err := orch.Handle(ctx, submittedEnvelope(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	store.Drain()

	sweeper := NewSweeper(store, time.Second, time.Minute, nil, nil)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	inst, _ := store.Get(ctx, "order-1")
	if inst.CurrentState != StateFailed {
		t.Fatalf("expected failed, got %s", inst.CurrentState)
	}
	if inst.FailureReason != "timed out waiting for stock reservation" {
		t.Fatalf("unexpected reason %q", inst.FailureReason)
	}

	cmds := store.Drain()
	if len(cmds) != 1 || cmds[0].Kind != messages.KindCancelOrder {
		t.Fatalf("submitted timeout must only cancel, got %+v", cmds)
	}
}

func TestSweeper_ReleasesStockForStuckReservedSaga(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	orch := NewOrchestrator(store, nil, nil)
	ctx := context.Background()

	if err := orch.Handle(ctx, submittedEnvelope(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	reserved := messages.MustEnvelope(messages.KindStockReserved, "order-1", messages.StockReserved{OrderID: "order-1"})
	if err := orch.Handle(ctx, reserved); err != nil {
		t.Fatalf("handle: %v", err)
	}
	store.Drain()

	sweeper := NewSweeper(store, time.Second, time.Minute, nil, nil)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	inst, _ := store.Get(ctx, "order-1")
	if inst.CurrentState != StateFailed {
		t.Fatalf("expected failed, got %s", inst.CurrentState)
	}
	if inst.FailureReason != "timed out waiting for payment" {
		t.Fatalf("unexpected reason %q", inst.FailureReason)
	}

	cmds := store.Drain()
	if len(cmds) != 2 || cmds[0].Kind != messages.KindCancelOrder || cmds[1].Kind != messages.KindReleaseStock {
		t.Fatalf("reserved timeout must cancel and release, got %+v", cmds)
	}
}

func TestSweeper_LeavesFreshAndTerminalSagasAlone(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	orch := NewOrchestrator(store, nil, nil)
	ctx := context.Background()

	if err := orch.Handle(ctx, submittedEnvelope(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	store.Drain()

	// Cutoff in the past: the fresh instance is not stuck yet.
	sweeper := NewSweeper(store, time.Second, time.Minute, nil, nil)
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	inst, _ := store.Get(ctx, "order-1")
	if inst.CurrentState != StateSubmitted {
		t.Fatalf("fresh saga must not be timed out, got %s", inst.CurrentState)
	}
	if cmds := store.Drain(); len(cmds) != 0 {
		t.Fatalf("no commands expected, got %+v", cmds)
	}
}
