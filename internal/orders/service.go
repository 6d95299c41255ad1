package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
	"ordermesh/internal/observability"
)

// SubmitRequest is one order submission.
type SubmitRequest struct {
	IdempotencyKey   string
	UserID           string
	PaymentMethodRef string
	Items            []messages.Item
}

// Validate checks the request shape.
func (r SubmitRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user id required")
	}
	if r.PaymentMethodRef == "" {
		return fmt.Errorf("payment method required")
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("at least one item required")
	}
	for _, item := range r.Items {
		if item.ProductID == "" {
			return fmt.Errorf("product id required")
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("quantity must be positive for product %s", item.ProductID)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("unit price must not be negative for product %s", item.ProductID)
		}
	}
	return nil
}

// Total is the order amount implied by the line items.
func (r SubmitRequest) Total() float64 {
	var total float64
	for _, item := range r.Items {
		total += float64(item.Quantity) * item.UnitPrice
	}
	return total
}

// Service is the order intake and status surface.
type Service struct {
	store   Store
	log     *slog.Logger
	metrics *observability.Metrics
}

// NewService constructs a Service. log and metrics may be nil.
func NewService(store Store, log *slog.Logger, metrics *observability.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log, metrics: metrics}
}

// Submit accepts an order and starts its saga by committing the order row and
// the OrderSubmitted event together. Replaying the same idempotency key
// returns the original order without a second event.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}

	order := Order{
		ID:               uuid.NewString(),
		IdempotencyKey:   req.IdempotencyKey,
		UserID:           req.UserID,
		Status:           StatusPending,
		TotalAmount:      req.Total(),
		PaymentMethodRef: req.PaymentMethodRef,
		Items:            req.Items,
	}

	env, err := messages.NewEnvelope(messages.KindOrderSubmitted, order.ID, messages.OrderSubmitted{
		OrderID:          order.ID,
		UserID:           order.UserID,
		TotalAmount:      order.TotalAmount,
		PaymentMethodRef: order.PaymentMethodRef,
		Items:            order.Items,
	})
	if err != nil {
		return Order{}, err
	}

	stored, created, err := s.store.Create(ctx, order, []messages.Envelope{env})
	if err != nil {
		return Order{}, err
	}
	if !created {
		s.log.Info("order submission replayed", "order_id", stored.ID, "idempotency_key", req.IdempotencyKey)
		s.metrics.Count("orders.replayed")
		return stored, nil
	}

	s.log.Info("order submitted", "order_id", stored.ID, "user_id", stored.UserID, "total", stored.TotalAmount)
	s.metrics.Count("orders.submitted")
	return stored, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.store.Get(ctx, id)
}

// Register subscribes the service to the saga's terminal commands.
func (s *Service) Register(b bus.Bus) {
	b.Subscribe(messages.KindCompleteOrder, s.HandleComplete)
	b.Subscribe(messages.KindCancelOrder, s.HandleCancel)
}

// HandleComplete moves the order to completed.
func (s *Service) HandleComplete(ctx context.Context, env messages.Envelope) (err error) {
	span := s.metrics.Start("orders.complete")
	defer func() { span.End(err) }()

	var cmd messages.CompleteOrder
	if err := env.Decode(&cmd); err != nil {
		s.log.Error("undecodable complete command dropped", "message_id", env.ID, "error", err)
		return nil
	}
	return s.applyStatus(ctx, env.ID, cmd.OrderID, StatusCompleted, "")
}

// HandleCancel moves the order to cancelled with the saga's failure reason.
func (s *Service) HandleCancel(ctx context.Context, env messages.Envelope) (err error) {
	span := s.metrics.Start("orders.cancel")
	defer func() { span.End(err) }()

	var cmd messages.CancelOrder
	if err := env.Decode(&cmd); err != nil {
		s.log.Error("undecodable cancel command dropped", "message_id", env.ID, "error", err)
		return nil
	}
	return s.applyStatus(ctx, env.ID, cmd.OrderID, StatusCancelled, cmd.Reason)
}

func (s *Service) applyStatus(ctx context.Context, messageID, orderID string, status Status, reason string) error {
	applied, err := s.store.SetStatus(ctx, messageID, orderID, status, reason)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Info("order status change skipped", "order_id", orderID, "status", status, "message_id", messageID)
		return nil
	}
	s.log.Info("order status changed", "order_id", orderID, "status", status, "reason", reason)
	s.metrics.Count("orders." + string(status))
	return nil
}
