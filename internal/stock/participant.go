// Package stock reserves and releases product inventory for the order saga.
package stock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
	"ordermesh/internal/observability"
)

// Product is one inventory row.
type Product struct {
	ID            string
	Name          string
	StockQuantity int
	UnitPrice     float64
}

// ReserveResult reports the outcome of a reservation attempt.
type ReserveResult struct {
	// Duplicate is true when the command was already processed (inbox hit);
	// the outcome event was emitted on the first delivery.
	Duplicate bool
	// ShortProductID names the first product that blocked the reservation
	// (missing or insufficient). Empty on success.
	ShortProductID string
}

// ReleaseResult reports the outcome of a compensation release.
type ReleaseResult struct {
	Duplicate bool
	// MissingProducts lists ids skipped because the row no longer exists.
	MissingProducts []string
}

// MergeItems sums quantities per product id and returns one line per product,
// sorted by id. Orders may repeat a product across lines; the availability
// check must see the combined quantity, not each line against the same
// undecremented stock.
func MergeItems(items []messages.Item) []messages.Item {
	totals := make(map[string]messages.Item, len(items))
	for _, item := range items {
		merged, ok := totals[item.ProductID]
		if ok {
			merged.Quantity += item.Quantity
		} else {
			merged = item
		}
		totals[item.ProductID] = merged
	}
	out := make([]messages.Item, 0, len(totals))
	for _, item := range totals {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Store applies reservations and releases transactionally. Implementations
// record the command's message id (inbox) and append the outcome event to the
// outbox within the same transaction, so a reservation either fully happens
// with its event or not at all.
type Store interface {
	Reserve(ctx context.Context, messageID string, cmd messages.ReserveStock) (ReserveResult, error)
	Release(ctx context.Context, messageID string, cmd messages.ReleaseStock) (ReleaseResult, error)
}

// Participant consumes stock commands from the bus.
type Participant struct {
	store   Store
	bus     bus.Bus
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewParticipant constructs a stock Participant. log and metrics may be nil.
func NewParticipant(store Store, b bus.Bus, log *slog.Logger, metrics *observability.Metrics) *Participant {
	if log == nil {
		log = slog.Default()
	}
	return &Participant{store: store, bus: b, log: log, metrics: metrics}
}

// Register subscribes the participant to its command kinds.
func (p *Participant) Register(b bus.Bus) {
	b.Subscribe(messages.KindReserveStock, p.HandleReserve)
	b.Subscribe(messages.KindReleaseStock, p.HandleRelease)
}

// HandleReserve reserves all requested line items or none. Business failures
// and internal errors both surface as StockReservationFailed; only an
// unreportable infrastructure error propagates for redelivery.
func (p *Participant) HandleReserve(ctx context.Context, env messages.Envelope) (err error) {
	span := p.metrics.Start("stock.reserve")
	defer func() { span.End(err) }()

	var cmd messages.ReserveStock
	if err := env.Decode(&cmd); err != nil {
		p.log.Error("undecodable reserve command dropped", "message_id", env.ID, "error", err)
		return nil
	}

	res, storeErr := p.store.Reserve(ctx, env.ID, cmd)
	if storeErr != nil {
		p.log.Error("stock reservation errored", "order_id", cmd.OrderID, "error", storeErr)
		failure, envErr := messages.NewEnvelope(messages.KindStockReservationFailed, cmd.OrderID, messages.StockReservationFailed{
			OrderID: cmd.OrderID,
			Reason:  "internal error during stock reservation",
		})
		if envErr != nil {
			err = envErr
			return err
		}
		// The transaction rolled back, so the outbox has nothing to deliver;
		// report the failure directly. If even that fails, redeliver.
		if pubErr := p.bus.Publish(ctx, failure); pubErr != nil {
			err = fmt.Errorf("reserve failed and failure event unpublishable: %w", storeErr)
			return err
		}
		p.metrics.Count("stock.reserve_error")
		return nil
	}

	switch {
	case res.Duplicate:
		p.log.Info("duplicate reserve command ignored", "order_id", cmd.OrderID, "message_id", env.ID)
		p.metrics.Count("stock.reserve_duplicate")
	case res.ShortProductID != "":
		p.log.Warn("insufficient stock", "order_id", cmd.OrderID, "product_id", res.ShortProductID)
		p.metrics.Count("stock.reserve_insufficient")
	default:
		p.log.Info("stock reserved", "order_id", cmd.OrderID, "items", len(cmd.Items))
		p.metrics.Count("stock.reserved")
	}
	return nil
}

// HandleRelease restores reserved quantities. Compensation is best-effort:
// it never fails the caller, because the saga is already on its failure path
// and a cascading failure here would wedge it. Unrestored stock is flagged
// for manual remediation.
func (p *Participant) HandleRelease(ctx context.Context, env messages.Envelope) (err error) {
	span := p.metrics.Start("stock.release")
	defer func() { span.End(err) }()

	var cmd messages.ReleaseStock
	if err := env.Decode(&cmd); err != nil {
		p.log.Error("undecodable release command dropped", "message_id", env.ID, "error", err)
		return nil
	}

	res, storeErr := p.store.Release(ctx, env.ID, cmd)
	if storeErr != nil {
		p.log.Error("MANUAL INTERVENTION REQUIRED: stock release failed, quantities may be incorrect",
			"order_id", cmd.OrderID, "items", fmt.Sprintf("%+v", cmd.Items), "error", storeErr)
		p.metrics.Count("stock.release_failed")
		return nil
	}

	if res.Duplicate {
		p.log.Info("duplicate release command ignored", "order_id", cmd.OrderID, "message_id", env.ID)
		return nil
	}
	for _, id := range res.MissingProducts {
		p.log.Warn("product missing during stock release, skipped", "order_id", cmd.OrderID, "product_id", id)
	}
	p.log.Info("stock released", "order_id", cmd.OrderID, "items", len(cmd.Items))
	p.metrics.Count("stock.released")
	return nil
}
