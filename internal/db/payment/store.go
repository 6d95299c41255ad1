// Package paymentdb persists charges in Postgres.
package paymentdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	deliverydb "ordermesh/internal/db/delivery"
	"ordermesh/internal/messages"
)

// ErrNotCharged signals an order has no recorded charge.
var ErrNotCharged = errors.New("order not charged")

// Store implements payment.Recorder on Postgres. The payments primary key
// guarantees at most one recorded charge per order; the PaymentCompleted event
// commits in the same transaction as the row.
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

// InitSchema creates the payments table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (s *Store) RecordCharge(ctx context.Context, orderID, transactionID string, amount float64) (bool, string, error) {
	if orderID == "" {
		return false, "", fmt.Errorf("order id required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (order_id, transaction_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, transactionID, amount,
	)
	if err != nil {
		return false, "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected == 0 {
		var existing string
		row := tx.QueryRowContext(ctx, `SELECT transaction_id FROM payments WHERE order_id = $1`, orderID)
		if err := row.Scan(&existing); err != nil {
			return false, "", err
		}
		return false, existing, nil
	}

	env, err := messages.NewEnvelope(messages.KindPaymentCompleted, orderID, messages.PaymentCompleted{
		OrderID:       orderID,
		TransactionID: transactionID,
	})
	if err != nil {
		return false, "", err
	}
	if err := deliverydb.AppendOutbox(ctx, tx, []messages.Envelope{env}); err != nil {
		return false, "", err
	}
	return true, "", tx.Commit()
}

// Charge returns the recorded charge for an order id, or ErrNotCharged.
func (s *Store) Charge(ctx context.Context, orderID string) (transactionID string, amount float64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT transaction_id, amount FROM payments WHERE order_id = $1`, orderID)
	if err := row.Scan(&transactionID, &amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, ErrNotCharged
		}
		return "", 0, err
	}
	return transactionID, amount, nil
}
