// Package deliverydb persists the outbox and inbox tables in Postgres.
package deliverydb

import (
	"context"
	"database/sql"
	"time"

	"ordermesh/internal/delivery"
	"ordermesh/internal/messages"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// outbox and inbox helpers can run inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendOutbox inserts envelopes as pending outbox rows. Callers invoke it
// inside the transaction that commits the state change the envelopes describe.
// Redelivered commands replaying the same envelope ids are absorbed by the
// message_id conflict.
func AppendOutbox(ctx context.Context, tx DBTX, out []messages.Envelope) error {
	for _, env := range out {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (message_id, kind, correlation_id, occurred_at, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id) DO NOTHING`,
			env.ID, string(env.Kind), env.CorrelationID, env.OccurredAt, []byte(env.Payload),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkInbox records a consumer's processed message id. It returns false when
// the id was already recorded, which marks the delivery as a duplicate.
func MarkInbox(ctx context.Context, tx DBTX, consumer, messageID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inbox (consumer, message_id)
		VALUES ($1, $2)
		ON CONFLICT (consumer, message_id) DO NOTHING`,
		consumer, messageID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Store is the Postgres outbox backing the dispatcher.
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

// InitSchema creates the outbox and inbox tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			message_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_pending_idx
			ON outbox (next_attempt_at) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS inbox (
			consumer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (consumer, message_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// claimLease is how long a claimed row stays out of reach of other
// dispatchers. MarkSent and Reschedule supersede it; if the claimer dies
// mid-batch the row falls due again after the lease.
const claimLease = 30 * time.Second

// NextBatch claims up to limit pending rows due at or before now, oldest
// first. Claiming pushes next_attempt_at one lease forward, so concurrent
// dispatchers do not pick up each other's rows while a publish is in flight.
func (s *Store) NextBatch(ctx context.Context, limit int, now time.Time) ([]delivery.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox
		SET next_attempt_at = $3
		WHERE message_id IN (
			SELECT message_id
			FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= $2
			ORDER BY occurred_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING message_id, kind, correlation_id, occurred_at, payload, attempts, next_attempt_at`,
		limit, now, now.Add(claimLease),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []delivery.OutboxMessage
	for rows.Next() {
		var msg delivery.OutboxMessage
		var kind string
		var payload []byte
		if err := rows.Scan(&msg.Envelope.ID, &kind, &msg.Envelope.CorrelationID,
			&msg.Envelope.OccurredAt, &payload, &msg.Attempts, &msg.NextAttemptAt); err != nil {
			return nil, err
		}
		msg.Envelope.Kind = messages.Kind(kind)
		msg.Envelope.Payload = payload
		batch = append(batch, msg)
	}
	return batch, rows.Err()
}

// MarkSent flags a delivered row.
func (s *Store) MarkSent(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'sent', sent_at = NOW()
		WHERE message_id = $1`,
		messageID,
	)
	return err
}

// Reschedule bumps the attempt count and sets the next due time.
func (s *Store) Reschedule(ctx context.Context, messageID string, attempts int, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = $2, next_attempt_at = $3
		WHERE message_id = $1`,
		messageID, attempts, next,
	)
	return err
}

// MarkFailed parks a row that exhausted its attempts.
func (s *Store) MarkFailed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'failed'
		WHERE message_id = $1`,
		messageID,
	)
	return err
}
