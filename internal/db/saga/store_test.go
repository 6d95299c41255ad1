package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"ordermesh/internal/messages"
	"ordermesh/internal/saga"
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

func testInstance() saga.Instance {
	return saga.Instance{
		CorrelationID:    "order-1",
		CurrentState:     saga.StateSubmitted,
		UserID:           "user-1",
		TotalAmount:      25.0,
		PaymentMethodRef: "pm_visa",
		Items:            []messages.Item{{ProductID: "prod-x", Quantity: 2, UnitPrice: 12.5}},
		Version:          1,
	}
}

func TestStore_Create_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	env := messages.MustEnvelope(messages.KindReserveStock, "order-1", messages.ReserveStock{OrderID: "order-1"})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(env.ID, "stock.reserve", "order-1", env.OccurredAt, []byte(env.Payload)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	created, err := store.Create(context.Background(), testInstance(), []messages.Envelope{env})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatalf("expected created instance")
	}
}

func TestStore_Create_DuplicateIsNoOp(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db)
	created, err := store.Create(context.Background(), testInstance(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatalf("duplicate create must report created=false")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT correlation_id, current_state").
		WithArgs("order-missing").
		WillReturnRows(sqlmock.NewRows([]string{"correlation_id"}))
	mock.ExpectClose()

	store := NewStore(db)
	if _, err := store.Get(context.Background(), "order-missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Get_RoundTrip(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("SELECT correlation_id, current_state").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"correlation_id", "current_state", "user_id", "total_amount", "payment_method_ref",
			"items", "failure_reason", "version", "created_at", "updated_at",
		}).AddRow("order-1", "stock_reserved", "user-1", 25.0, "pm_visa",
			[]byte(`[{"productId":"prod-x","quantity":2,"unitPrice":12.5}]`), "", 2, now, now))
	mock.ExpectClose()

	store := NewStore(db)
	inst, err := store.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.CurrentState != saga.StateStockReserved || inst.Version != 2 {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if len(inst.Items) != 1 || inst.Items[0].ProductID != "prod-x" {
		t.Fatalf("items did not round-trip: %+v", inst.Items)
	}
}

func TestStore_Transition_Succeeds(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	env := messages.MustEnvelope(messages.KindProcessPayment, "order-1", messages.ProcessPayment{OrderID: "order-1"})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(env.ID, "payment.process", "order-1", env.OccurredAt, []byte(env.Payload)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db)
	inst := testInstance()
	inst.CurrentState = saga.StateStockReserved
	if err := store.Transition(context.Background(), inst, []messages.Envelope{env}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
}

func TestStore_Transition_VersionConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Transition(context.Background(), testInstance(), nil); !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestStore_Transition_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Transition(context.Background(), testInstance(), nil); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_StuckBefore(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	cutoff := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stale := cutoff.Add(-time.Hour)
	mock.ExpectQuery("SELECT correlation_id, current_state").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{
			"correlation_id", "current_state", "user_id", "total_amount", "payment_method_ref",
			"items", "failure_reason", "version", "created_at", "updated_at",
		}).AddRow("order-1", "submitted", "user-1", 25.0, "pm_visa", []byte(`[]`), "", 1, stale, stale))
	mock.ExpectClose()

	store := NewStore(db)
	stuck, err := store.StuckBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("StuckBefore: %v", err)
	}
	if len(stuck) != 1 || stuck[0].CorrelationID != "order-1" {
		t.Fatalf("unexpected stuck set: %+v", stuck)
	}
}
