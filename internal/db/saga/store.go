// Package sagadb persists saga instances in Postgres with optimistic
// concurrency.
package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	deliverydb "ordermesh/internal/db/delivery"
	"ordermesh/internal/messages"
	"ordermesh/internal/saga"
)

// Store implements saga.Store on Postgres. State changes and their outbound
// envelopes commit in one transaction through the outbox table.
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

// InitSchema creates the saga table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_sagas (
			correlation_id TEXT PRIMARY KEY,
			current_state TEXT NOT NULL,
			user_id TEXT NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL,
			payment_method_ref TEXT NOT NULL,
			items JSONB NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (s *Store) Create(ctx context.Context, inst saga.Instance, out []messages.Envelope) (bool, error) {
	items, err := json.Marshal(inst.Items)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO order_sagas (correlation_id, current_state, user_id, total_amount, payment_method_ref, items, failure_reason, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (correlation_id) DO NOTHING`,
		inst.CorrelationID, string(inst.CurrentState), inst.UserID, inst.TotalAmount,
		inst.PaymentMethodRef, items, inst.FailureReason,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := deliverydb.AppendOutbox(ctx, tx, out); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) Get(ctx context.Context, correlationID string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, current_state, user_id, total_amount, payment_method_ref, items, failure_reason, version, created_at, updated_at
		FROM order_sagas
		WHERE correlation_id = $1`,
		correlationID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrNotFound
	}
	return inst, err
}

func (s *Store) Transition(ctx context.Context, inst saga.Instance, out []messages.Envelope) error {
	items, err := json.Marshal(inst.Items)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE order_sagas
		SET current_state = $2, user_id = $3, total_amount = $4, payment_method_ref = $5,
			items = $6, failure_reason = $7, version = version + 1, updated_at = NOW()
		WHERE correlation_id = $1 AND version = $8`,
		inst.CorrelationID, string(inst.CurrentState), inst.UserID, inst.TotalAmount,
		inst.PaymentMethodRef, items, inst.FailureReason, inst.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		row := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM order_sagas WHERE correlation_id = $1)`, inst.CorrelationID)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return saga.ErrNotFound
		}
		return saga.ErrVersionConflict
	}

	if err := deliverydb.AppendOutbox(ctx, tx, out); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) StuckBefore(ctx context.Context, cutoff time.Time) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, current_state, user_id, total_amount, payment_method_ref, items, failure_reason, version, created_at, updated_at
		FROM order_sagas
		WHERE current_state NOT IN ('completed', 'failed') AND updated_at < $1
		ORDER BY updated_at`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, inst)
	}
	return stuck, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (saga.Instance, error) {
	var inst saga.Instance
	var state string
	var items []byte
	if err := row.Scan(&inst.CorrelationID, &state, &inst.UserID, &inst.TotalAmount,
		&inst.PaymentMethodRef, &items, &inst.FailureReason, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return saga.Instance{}, err
	}
	inst.CurrentState = saga.State(state)
	if err := json.Unmarshal(items, &inst.Items); err != nil {
		return saga.Instance{}, err
	}
	return inst, nil
}
