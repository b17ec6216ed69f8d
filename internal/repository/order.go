// Package repository 订单与成交数据访问层。
// 订单簿是内存authoritative，库中的订单/成交记录用于查询、审计和重启恢复。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tokenmarket/trading-engine/internal/book"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
)

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateOrder 落库新订单。client_order_id 对同一用户唯一，
// 冲突返回 ErrDuplicateClientOrderID。
func (r *OrderRepository) CreateOrder(ctx context.Context, o *book.Order, nowMs int64) error {
	query := `
		INSERT INTO trading.orders
		(order_id, client_order_id, user_id, asset, side, type, price, stop_price,
		 qty, filled_qty, status, locked_asset, commit_price, expires_at_ms,
		 create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		o.ID, nullString(o.ClientOrderID), o.UserID, o.Asset, int(o.Side), int(o.Type),
		o.Price, o.StopPrice, o.Qty, o.FilledQty, int(o.Status), o.LockedAsset,
		o.CommitPrice, nullInt64(o.ExpiresAt), nowMs, nowMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClientOrderID
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder 更新订单状态与成交进度
func (r *OrderRepository) UpdateOrder(ctx context.Context, orderID int64, status book.Status, filledQty int64, reason string, updateMs int64) error {
	query := `
		UPDATE trading.orders
		SET status = $1, filled_qty = $2, reason = $3, update_time_ms = $4
		WHERE order_id = $5
	`
	result, err := r.db.ExecContext(ctx, query, int(status), filledQty, nullString(reason), updateMs, orderID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// OrderRow 订单查询结果
type OrderRow struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	UserID        int64  `json:"userId"`
	Asset         string `json:"asset"`
	Side          int    `json:"side"`
	Type          int    `json:"type"`
	Price         int64  `json:"price"`
	StopPrice     int64  `json:"stopPrice,omitempty"`
	Qty           int64  `json:"qty"`
	FilledQty     int64  `json:"filledQty"`
	Status        int    `json:"status"`
	LockedAsset   string `json:"-"`
	CommitPrice   int64  `json:"-"`
	Reason        string `json:"reason,omitempty"`
	ExpiresAtMs   int64  `json:"expiresAtMs,omitempty"`
	CreateTimeMs  int64  `json:"createTimeMs"`
	UpdateTimeMs  int64  `json:"updateTimeMs"`
}

const orderColumns = `
	order_id, COALESCE(client_order_id, ''), user_id, asset, side, type, price,
	stop_price, qty, filled_qty, status, locked_asset, commit_price,
	COALESCE(reason, ''), COALESCE(expires_at_ms, 0), create_time_ms, update_time_ms
`

// GetOrder 按订单号查询
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*OrderRow, error) {
	query := `SELECT ` + orderColumns + ` FROM trading.orders WHERE order_id = $1`
	return scanOrderRow(r.db.QueryRowContext(ctx, query, orderID))
}

// GetOrderByClientID 按用户 clientOrderId 查询（幂等提交检查）
func (r *OrderRepository) GetOrderByClientID(ctx context.Context, userID int64, clientOrderID string) (*OrderRow, error) {
	query := `SELECT ` + orderColumns + ` FROM trading.orders WHERE user_id = $1 AND client_order_id = $2`
	return scanOrderRow(r.db.QueryRowContext(ctx, query, userID, clientOrderID))
}

// ListOpenOrders 查询某用户的未终态订单
func (r *OrderRepository) ListOpenOrders(ctx context.Context, userID int64, asset string, limit int) ([]*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM trading.orders
		WHERE user_id = $1 AND status IN (1, 2)
		  AND ($2 = '' OR asset = $2)
		ORDER BY create_time_ms DESC
		LIMIT $3
	`
	return r.queryOrders(ctx, query, userID, asset, limit)
}

// ListOrders 查询历史订单
func (r *OrderRepository) ListOrders(ctx context.Context, userID int64, asset string, startMs, endMs int64, limit int) ([]*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM trading.orders
		WHERE user_id = $1
		  AND ($2 = '' OR asset = $2)
		  AND create_time_ms >= $3 AND create_time_ms <= $4
		ORDER BY create_time_ms DESC
		LIMIT $5
	`
	return r.queryOrders(ctx, query, userID, asset, startMs, endMs, limit)
}

func scanOrderRow(row *sql.Row) (*OrderRow, error) {
	var o OrderRow
	err := row.Scan(
		&o.OrderID, &o.ClientOrderID, &o.UserID, &o.Asset, &o.Side, &o.Type, &o.Price,
		&o.StopPrice, &o.Qty, &o.FilledQty, &o.Status, &o.LockedAsset, &o.CommitPrice,
		&o.Reason, &o.ExpiresAtMs, &o.CreateTimeMs, &o.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*OrderRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*OrderRow
	for rows.Next() {
		var o OrderRow
		if err := rows.Scan(
			&o.OrderID, &o.ClientOrderID, &o.UserID, &o.Asset, &o.Side, &o.Type, &o.Price,
			&o.StopPrice, &o.Qty, &o.FilledQty, &o.Status, &o.LockedAsset, &o.CommitPrice,
			&o.Reason, &o.ExpiresAtMs, &o.CreateTimeMs, &o.UpdateTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
