package saga

import (
	"fmt"

	"ordermesh/internal/messages"
)

// Apply is the pure transition function: given the current instance and an
// incoming event it returns the mutated instance and the commands to emit.
// Unknown (state, event) pairs return ErrInvalidTransition; the caller drops
// those to stay safe under duplicate and out-of-order delivery.
func Apply(inst Instance, env messages.Envelope) (Instance, []messages.Envelope, error) {
	if inst.CurrentState.Terminal() {
		return inst, nil, fmt.Errorf("%w: %s in terminal state %s", ErrInvalidTransition, env.Kind, inst.CurrentState)
	}

	switch {
	case inst.CurrentState == StateInitial && env.Kind == messages.KindOrderSubmitted:
		var ev messages.OrderSubmitted
		if err := env.Decode(&ev); err != nil {
			return inst, nil, err
		}
		inst.UserID = ev.UserID
		inst.TotalAmount = ev.TotalAmount
		inst.PaymentMethodRef = ev.PaymentMethodRef
		inst.Items = ev.Items
		inst.CurrentState = StateSubmitted
		cmd, err := messages.NewEnvelope(messages.KindReserveStock, inst.CorrelationID, messages.ReserveStock{
			OrderID: inst.CorrelationID,
			Items:   inst.Items,
		})
		if err != nil {
			return inst, nil, err
		}
		return inst, []messages.Envelope{cmd}, nil

	case inst.CurrentState == StateSubmitted && env.Kind == messages.KindStockReserved:
		inst.CurrentState = StateStockReserved
		cmd, err := messages.NewEnvelope(messages.KindProcessPayment, inst.CorrelationID, messages.ProcessPayment{
			OrderID:          inst.CorrelationID,
			UserID:           inst.UserID,
			Amount:           inst.TotalAmount,
			PaymentMethodRef: inst.PaymentMethodRef,
		})
		if err != nil {
			return inst, nil, err
		}
		return inst, []messages.Envelope{cmd}, nil

	case inst.CurrentState == StateSubmitted && env.Kind == messages.KindStockReservationFailed:
		var ev messages.StockReservationFailed
		if err := env.Decode(&ev); err != nil {
			return inst, nil, err
		}
		return fail(inst, ev.Reason, false)

	case inst.CurrentState == StateStockReserved && env.Kind == messages.KindPaymentCompleted:
		inst.CurrentState = StateCompleted
		cmd, err := messages.NewEnvelope(messages.KindCompleteOrder, inst.CorrelationID, messages.CompleteOrder{
			OrderID: inst.CorrelationID,
		})
		if err != nil {
			return inst, nil, err
		}
		return inst, []messages.Envelope{cmd}, nil

	case inst.CurrentState == StateStockReserved && env.Kind == messages.KindPaymentFailed:
		var ev messages.PaymentFailed
		if err := env.Decode(&ev); err != nil {
			return inst, nil, err
		}
		return fail(inst, ev.Reason, true)
	}

	return inst, nil, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, env.Kind, inst.CurrentState)
}

// fail moves the instance to Failed, cancelling the order and, when stock had
// already been reserved, releasing it.
func fail(inst Instance, reason string, releaseStock bool) (Instance, []messages.Envelope, error) {
	inst.CurrentState = StateFailed
	inst.FailureReason = reason

	cancel, err := messages.NewEnvelope(messages.KindCancelOrder, inst.CorrelationID, messages.CancelOrder{
		OrderID: inst.CorrelationID,
		Reason:  reason,
	})
	if err != nil {
		return inst, nil, err
	}
	out := []messages.Envelope{cancel}

	if releaseStock {
		release, err := messages.NewEnvelope(messages.KindReleaseStock, inst.CorrelationID, messages.ReleaseStock{
			OrderID: inst.CorrelationID,
			Items:   inst.Items,
		})
		if err != nil {
			return inst, nil, err
		}
		out = append(out, release)
	}
	return inst, out, nil
}
