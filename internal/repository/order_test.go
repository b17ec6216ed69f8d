package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/tokenmarket/trading-engine/internal/book"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestCreateOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	o := &book.Order{
		ID:            1001,
		ClientOrderID: "c-1",
		UserID:        7,
		Asset:         "TOKA",
		Side:          book.SideBuy,
		Type:          book.TypeLimit,
		Price:         10000,
		Qty:           100,
		Status:        book.StatusPending,
		LockedAsset:   "USD",
		CommitPrice:   10000,
	}

	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO trading.orders
		(order_id, client_order_id, user_id, asset, side, type, price, stop_price,
		 qty, filled_qty, status, locked_asset, commit_price, expires_at_ms,
		 create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)).WithArgs(
		int64(1001), sqlmock.AnyArg(), int64(7), "TOKA", 1, 2, int64(10000), int64(0),
		int64(100), int64(0), 1, "USD", int64(10000), sqlmock.AnyArg(),
		int64(1700000000000), int64(1700000000000),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.CreateOrder(context.Background(), o, 1700000000000); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrderDuplicateClientID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec("INSERT INTO trading.orders").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.CreateOrder(context.Background(), &book.Order{ID: 1, ClientOrderID: "dup"}, 1)
	if !errors.Is(err, ErrDuplicateClientOrderID) {
		t.Fatalf("err = %v, want ErrDuplicateClientOrderID", err)
	}
}

func TestGetOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	rows := sqlmock.NewRows([]string{
		"order_id", "client_order_id", "user_id", "asset", "side", "type", "price",
		"stop_price", "qty", "filled_qty", "status", "locked_asset", "commit_price",
		"reason", "expires_at_ms", "create_time_ms", "update_time_ms",
	}).AddRow(
		int64(1001), "c-1", int64(7), "TOKA", 1, 2, int64(10000),
		int64(0), int64(100), int64(40), 2, "USD", int64(10000),
		"", int64(0), int64(1700000000000), int64(1700000001000),
	)
	mock.ExpectQuery("SELECT (.+) FROM trading.orders WHERE order_id").
		WithArgs(int64(1001)).
		WillReturnRows(rows)

	got, err := repo.GetOrder(context.Background(), 1001)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.OrderID != 1001 || got.FilledQty != 40 || got.Status != 2 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM trading.orders WHERE order_id").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	if _, err := repo.GetOrder(context.Background(), 404); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestUpdateOrderNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	mock.ExpectExec("UPDATE trading.orders").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateOrder(context.Background(), 404, book.StatusFilled, 100, "", 1)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestListOpenOrders(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepository(db)

	rows := sqlmock.NewRows([]string{
		"order_id", "client_order_id", "user_id", "asset", "side", "type", "price",
		"stop_price", "qty", "filled_qty", "status", "locked_asset", "commit_price",
		"reason", "expires_at_ms", "create_time_ms", "update_time_ms",
	}).
		AddRow(int64(2), "", int64(7), "TOKA", 1, 2, int64(10000), int64(0), int64(100), int64(0), 1, "USD", int64(10000), "", int64(0), int64(200), int64(200)).
		AddRow(int64(1), "", int64(7), "TOKA", 2, 2, int64(10100), int64(0), int64(50), int64(0), 1, "TOKA", int64(0), "", int64(0), int64(100), int64(100))

	mock.ExpectQuery("SELECT (.+) FROM trading.orders").
		WithArgs(int64(7), "TOKA", 50).
		WillReturnRows(rows)

	got, err := repo.ListOpenOrders(context.Background(), 7, "TOKA", 50)
	if err != nil {
		t.Fatalf("list open orders: %v", err)
	}
	if len(got) != 2 || got[0].OrderID != 2 {
		t.Fatalf("unexpected rows: %+v", got)
	}
}
