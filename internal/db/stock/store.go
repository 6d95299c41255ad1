// Package stockdb persists product inventory in Postgres.
package stockdb

import (
	"context"
	"database/sql"
	"errors"

	deliverydb "ordermesh/internal/db/delivery"
	"ordermesh/internal/messages"
	"ordermesh/internal/stock"
)

// Store implements stock.Store on Postgres. A reservation locks its product
// rows, checks every line, decrements, and commits the inbox row and the
// outcome event together, so the whole effect is all-or-nothing.
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

// InitSchema creates the products table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			stock_quantity INT NOT NULL CHECK (stock_quantity >= 0),
			unit_price DOUBLE PRECISION NOT NULL DEFAULT 0
		)`)
	return err
}

// Upsert inserts or replaces a product row.
func (s *Store) Upsert(ctx context.Context, p stock.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, stock_quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, stock_quantity = EXCLUDED.stock_quantity, unit_price = EXCLUDED.unit_price`,
		p.ID, p.Name, p.StockQuantity, p.UnitPrice,
	)
	return err
}

// Quantity returns the stock level for a product id.
func (s *Store) Quantity(ctx context.Context, id string) (int, error) {
	var qty int
	row := s.db.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, id)
	if err := row.Scan(&qty); err != nil {
		return 0, err
	}
	return qty, nil
}

const consumer = "stock"

func (s *Store) Reserve(ctx context.Context, messageID string, cmd messages.ReserveStock) (stock.ReserveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stock.ReserveResult{}, err
	}
	defer tx.Rollback()

	first, err := deliverydb.MarkInbox(ctx, tx, consumer, messageID)
	if err != nil {
		return stock.ReserveResult{}, err
	}
	if !first {
		return stock.ReserveResult{Duplicate: true}, nil
	}

	// One merged line per product, sorted for a stable lock order; repeated
	// lines are checked as a combined total before anything decrements.
	items := stock.MergeItems(cmd.Items)
	for _, item := range items {
		var qty int
		row := tx.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = $1 FOR UPDATE`, item.ProductID)
		err := row.Scan(&qty)
		short := errors.Is(err, sql.ErrNoRows) || (err == nil && qty < item.Quantity)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return stock.ReserveResult{}, err
		}
		if short {
			failure, err := messages.NewEnvelope(messages.KindStockReservationFailed, cmd.OrderID, messages.StockReservationFailed{
				OrderID: cmd.OrderID,
				Reason:  "insufficient stock for product " + item.ProductID,
			})
			if err != nil {
				return stock.ReserveResult{}, err
			}
			if err := deliverydb.AppendOutbox(ctx, tx, []messages.Envelope{failure}); err != nil {
				return stock.ReserveResult{}, err
			}
			return stock.ReserveResult{ShortProductID: item.ProductID}, tx.Commit()
		}
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock_quantity = stock_quantity - $2 WHERE id = $1`,
			item.ProductID, item.Quantity,
		); err != nil {
			return stock.ReserveResult{}, err
		}
	}

	reserved, err := messages.NewEnvelope(messages.KindStockReserved, cmd.OrderID, messages.StockReserved{OrderID: cmd.OrderID})
	if err != nil {
		return stock.ReserveResult{}, err
	}
	if err := deliverydb.AppendOutbox(ctx, tx, []messages.Envelope{reserved}); err != nil {
		return stock.ReserveResult{}, err
	}
	return stock.ReserveResult{}, tx.Commit()
}

func (s *Store) Release(ctx context.Context, messageID string, cmd messages.ReleaseStock) (stock.ReleaseResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stock.ReleaseResult{}, err
	}
	defer tx.Rollback()

	first, err := deliverydb.MarkInbox(ctx, tx, consumer, messageID)
	if err != nil {
		return stock.ReleaseResult{}, err
	}
	if !first {
		return stock.ReleaseResult{Duplicate: true}, nil
	}

	var missing []string
	for _, item := range stock.MergeItems(cmd.Items) {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET stock_quantity = stock_quantity + $2 WHERE id = $1`,
			item.ProductID, item.Quantity,
		)
		if err != nil {
			return stock.ReleaseResult{}, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return stock.ReleaseResult{}, err
		}
		if affected == 0 {
			missing = append(missing, item.ProductID)
		}
	}

	return stock.ReleaseResult{MissingProducts: missing}, tx.Commit()
}
