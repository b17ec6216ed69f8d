package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/engine"
)

func TestCreateExecution(t *testing.T) {
	db, mock := newMock(t)
	repo := NewExecutionRepository(db)

	e := &engine.Execution{
		ID:               9001,
		Asset:            "TOKA",
		BuyerID:          1,
		SellerID:         2,
		TakerOrderID:     11,
		MakerOrderID:     12,
		TakerSide:        book.SideBuy,
		Price:            10000,
		Qty:              100,
		Notional:         10000,
		SettlementStatus: engine.SettlementSettled,
		CreatedAtMs:      1700000000000,
	}

	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO trading.executions
		(execution_id, asset, buyer_id, seller_id, taker_order_id, maker_order_id,
		 taker_side, price, qty, notional, settlement_status, compliance_flags, create_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (execution_id) DO NOTHING
	`)).WithArgs(
		int64(9001), "TOKA", int64(1), int64(2), int64(11), int64(12),
		1, int64(10000), int64(100), int64(10000), "SETTLED",
		sqlmock.AnyArg(), int64(1700000000000),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.CreateExecution(context.Background(), e); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListByOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewExecutionRepository(db)

	rows := sqlmock.NewRows([]string{
		"execution_id", "asset", "buyer_id", "seller_id", "taker_order_id", "maker_order_id",
		"taker_side", "price", "qty", "notional", "settlement_status", "compliance_flags", "create_time_ms",
	}).
		AddRow(int64(9001), "TOKA", int64(1), int64(2), int64(11), int64(12), 1, int64(10000), int64(100), int64(10000), "SETTLED", "{}", int64(100)).
		AddRow(int64(9002), "TOKA", int64(1), int64(3), int64(11), int64(13), 1, int64(10000), int64(50), int64(5000), "FAILED", "{USER_BLOCKED:3}", int64(101))

	mock.ExpectQuery("SELECT (.+) FROM trading.executions").
		WithArgs(int64(11)).
		WillReturnRows(rows)

	got, err := repo.ListByOrder(context.Background(), 11)
	if err != nil {
		t.Fatalf("list by order: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[1].SettlementStatus != engine.SettlementFailed {
		t.Fatalf("second row = %+v, want FAILED", got[1])
	}
	if len(got[1].ComplianceFlags) != 1 || got[1].ComplianceFlags[0] != "USER_BLOCKED:3" {
		t.Fatalf("flags = %v", got[1].ComplianceFlags)
	}
}
