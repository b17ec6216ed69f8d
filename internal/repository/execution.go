package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/engine"
)

// ExecutionRepository 成交记录仓储。结算失败的成交同样落库，
// 带 FAILED 状态和合规标记，供稽核查询。
type ExecutionRepository struct {
	db *sql.DB
}

// NewExecutionRepository 创建仓储
func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreateExecution 落库一笔成交。以 execution_id 幂等，事件重放不会产生重复行。
func (r *ExecutionRepository) CreateExecution(ctx context.Context, e *engine.Execution) error {
	query := `
		INSERT INTO trading.executions
		(execution_id, asset, buyer_id, seller_id, taker_order_id, maker_order_id,
		 taker_side, price, qty, notional, settlement_status, compliance_flags, create_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (execution_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Asset, e.BuyerID, e.SellerID, e.TakerOrderID, e.MakerOrderID,
		int(e.TakerSide), e.Price, e.Qty, e.Notional, e.SettlementStatus,
		pq.Array(e.ComplianceFlags), e.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `
	execution_id, asset, buyer_id, seller_id, taker_order_id, maker_order_id,
	taker_side, price, qty, notional, settlement_status, compliance_flags, create_time_ms
`

// ListByOrder 查询某订单的全部成交
func (r *ExecutionRepository) ListByOrder(ctx context.Context, orderID int64) ([]*engine.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM trading.executions
		WHERE taker_order_id = $1 OR maker_order_id = $1
		ORDER BY execution_id ASC
	`
	return r.queryExecutions(ctx, query, orderID)
}

// ListByUser 查询某用户在时间区间内的成交
func (r *ExecutionRepository) ListByUser(ctx context.Context, userID int64, asset string, startMs, endMs int64, limit int) ([]*engine.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM trading.executions
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR asset = $2)
		  AND create_time_ms >= $3 AND create_time_ms <= $4
		ORDER BY execution_id DESC
		LIMIT $5
	`
	return r.queryExecutions(ctx, query, userID, asset, startMs, endMs, limit)
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*engine.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*engine.Execution
	for rows.Next() {
		var (
			e         engine.Execution
			takerSide int
			flags     pq.StringArray
		)
		if err := rows.Scan(
			&e.ID, &e.Asset, &e.BuyerID, &e.SellerID, &e.TakerOrderID, &e.MakerOrderID,
			&takerSide, &e.Price, &e.Qty, &e.Notional, &e.SettlementStatus,
			&flags, &e.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.TakerSide = book.Side(takerSide)
		e.ComplianceFlags = []string(flags)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}
