package stockdb

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"ordermesh/internal/messages"
	"ordermesh/internal/stock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func reserveCmd() messages.ReserveStock {
	return messages.ReserveStock{
		OrderID: "order-1",
		Items: []messages.Item{
			{ProductID: "prod-a", Quantity: 2},
			{ProductID: "prod-b", Quantity: 1},
		},
	}
}

func TestStore_Reserve_Succeeds(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT stock_quantity FROM products").
		WithArgs("prod-a").
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(5))
	mock.ExpectQuery("SELECT stock_quantity FROM products").
		WithArgs("prod-b").
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(3))
	mock.ExpectExec("UPDATE products SET stock_quantity = stock_quantity -").
		WithArgs("prod-a", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products SET stock_quantity = stock_quantity -").
		WithArgs("prod-b", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Reserve(context.Background(), "msg-1", reserveCmd())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Duplicate || res.ShortProductID != "" {
		t.Fatalf("expected clean reservation, got %+v", res)
	}
}

func TestStore_Reserve_ShortStockDecrementsNothing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	// prod-a is checked first (stable order) and is short: no update runs,
	// only the failure event is committed.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT stock_quantity FROM products").
		WithArgs("prod-a").
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Reserve(context.Background(), "msg-1", reserveCmd())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ShortProductID != "prod-a" {
		t.Fatalf("expected prod-a short, got %+v", res)
	}
}

func TestStore_Reserve_MissingProductIsShort(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT stock_quantity FROM products").
		WithArgs("prod-a").
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Reserve(context.Background(), "msg-1", reserveCmd())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ShortProductID != "prod-a" {
		t.Fatalf("expected missing product treated as short, got %+v", res)
	}
}

func TestStore_Reserve_RepeatedLinesMergedBeforeCheck(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	// Two lines of 2 for prod-a merge into one check of 4 against stock 3:
	// a single locked read, no decrement, only the failure event commits.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT stock_quantity FROM products").
		WithArgs("prod-a").
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(3))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Reserve(context.Background(), "msg-1", messages.ReserveStock{
		OrderID: "order-1",
		Items: []messages.Item{
			{ProductID: "prod-a", Quantity: 2},
			{ProductID: "prod-a", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ShortProductID != "prod-a" {
		t.Fatalf("expected prod-a short on the combined total, got %+v", res)
	}
}

func TestStore_Reserve_RepeatedLinesDecrementOnce(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT stock_quantity FROM products").
		WithArgs("prod-a").
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(5))
	mock.ExpectExec("UPDATE products SET stock_quantity = stock_quantity -").
		WithArgs("prod-a", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Reserve(context.Background(), "msg-1", messages.ReserveStock{
		OrderID: "order-1",
		Items: []messages.Item{
			{ProductID: "prod-a", Quantity: 2},
			{ProductID: "prod-a", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Duplicate || res.ShortProductID != "" {
		t.Fatalf("expected clean reservation, got %+v", res)
	}
}

func TestStore_Reserve_DuplicateSkipsEverything(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Reserve(context.Background(), "msg-1", reserveCmd())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
}

func TestStore_Release_RestoresAndReportsMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").
		WithArgs("stock", "msg-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE products SET stock_quantity = stock_quantity \+`).
		WithArgs("prod-a", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE products SET stock_quantity = stock_quantity \+`).
		WithArgs("prod-gone", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.Release(context.Background(), "msg-2", messages.ReleaseStock{
		OrderID: "order-1",
		Items: []messages.Item{
			{ProductID: "prod-a", Quantity: 2},
			{ProductID: "prod-gone", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(res.MissingProducts) != 1 || res.MissingProducts[0] != "prod-gone" {
		t.Fatalf("expected prod-gone reported missing, got %+v", res)
	}
}

func TestStore_Upsert(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO products").
		WithArgs("prod-a", "Product A", 5, 12.5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	err := store.Upsert(context.Background(), stock.Product{ID: "prod-a", Name: "Product A", StockQuantity: 5, UnitPrice: 12.5})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}
