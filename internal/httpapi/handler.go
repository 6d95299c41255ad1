// Package httpapi is the HTTP surface: order intake, order status, health,
// metrics, and the notification websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ordermesh/internal/messages"
	"ordermesh/internal/orders"
)

// Handler serves the order API.
type Handler struct {
	log     *slog.Logger
	service *orders.Service
	metrics http.Handler
	ws      http.HandlerFunc
}

// NewHandler constructs a Handler. metrics and ws may be nil, which disables
// those routes.
func NewHandler(log *slog.Logger, service *orders.Service, metrics http.Handler, ws http.HandlerFunc) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, service: service, metrics: metrics, ws: ws}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/orders", h.submitOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	if h.ws != nil {
		r.Get("/ws", h.ws)
	}

	return r
}

type submitOrderReq struct {
	IdempotencyKey   string          `json:"idempotencyKey"`
	UserID           string          `json:"userId"`
	PaymentMethodRef string          `json:"paymentMethodRef"`
	Items            []messages.Item `json:"items"`
}

type orderResp struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Status        string          `json:"status"`
	TotalAmount   float64         `json:"totalAmount"`
	Items         []messages.Item `json:"items"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func toOrderResp(o orders.Order) orderResp {
	return orderResp{
		ID:            o.ID,
		UserID:        o.UserID,
		Status:        string(o.Status),
		TotalAmount:   o.TotalAmount,
		Items:         o.Items,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	order, err := h.service.Submit(r.Context(), orders.SubmitRequest{
		IdempotencyKey:   req.IdempotencyKey,
		UserID:           req.UserID,
		PaymentMethodRef: req.PaymentMethodRef,
		Items:            req.Items,
	})
	switch {
	case errors.Is(err, orders.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, toOrderResp(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.service.Get(r.Context(), id)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
		return
	case err != nil:
		h.log.Error("order lookup failed", "order_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResp(order))
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
