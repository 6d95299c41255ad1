// Package ordersdb persists orders in Postgres.
package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	deliverydb "ordermesh/internal/db/delivery"
	"ordermesh/internal/messages"
	"ordermesh/internal/orders"
)

// Store implements orders.Store on Postgres. Creation and the OrderSubmitted
// event commit in one transaction; status changes record the consuming message
// id in the same transaction.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL,
			payment_method_ref TEXT NOT NULL,
			items JSONB NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

const consumer = "orders"

func (s *Store) Create(ctx context.Context, order orders.Order, out []messages.Envelope) (orders.Order, bool, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return orders.Order{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Order{}, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, idempotency_key, user_id, status, total_amount, payment_method_ref, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		order.ID, order.IdempotencyKey, order.UserID, string(order.Status),
		order.TotalAmount, order.PaymentMethodRef, items,
	)
	if err != nil {
		return orders.Order{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, false, err
	}

	row := tx.QueryRowContext(ctx, selectOrder+` WHERE idempotency_key = $1`, order.IdempotencyKey)
	stored, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, false, fmt.Errorf("order not found after insert")
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	if stored.UserID != order.UserID || stored.TotalAmount != order.TotalAmount {
		return orders.Order{}, false, orders.ErrIdempotencyConflict
	}
	if affected == 0 {
		return stored, false, nil
	}

	if err := deliverydb.AppendOutbox(ctx, tx, out); err != nil {
		return orders.Order{}, false, err
	}
	return stored, true, tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	return order, err
}

func (s *Store) SetStatus(ctx context.Context, messageID, orderID string, status orders.Status, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	first, err := deliverydb.MarkInbox(ctx, tx, consumer, messageID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		orderID, string(status), reason,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Unknown or already-terminal order; record the message id anyway so
		// the redelivery stream drains.
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

const selectOrder = `
	SELECT id, idempotency_key, user_id, status, total_amount, payment_method_ref, items, failure_reason, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (orders.Order, error) {
	var order orders.Order
	var status string
	var items []byte
	if err := row.Scan(&order.ID, &order.IdempotencyKey, &order.UserID, &status,
		&order.TotalAmount, &order.PaymentMethodRef, &items, &order.FailureReason,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	order.Status = orders.Status(status)
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return orders.Order{}, err
	}
	return order, nil
}
