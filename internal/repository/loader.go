package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tokenmarket/trading-engine/internal/book"
)

// Loader 启动恢复：重建订单簿与账本余额。
// 订单簿从未终态订单重建，余额取每个 (user, asset) 最后一条流水的 after 值。
type Loader struct {
	db *sql.DB
	// 资产 -> 数量精度，重算买单剩余资金占用时使用
	qtyScale func(asset string) int
}

func NewLoader(db *sql.DB, qtyScale func(asset string) int) *Loader {
	if qtyScale == nil {
		qtyScale = func(string) int { return 0 }
	}
	return &Loader{db: db, qtyScale: qtyScale}
}

// ActiveAssets 存在未终态订单的资产列表
func (l *Loader) ActiveAssets(ctx context.Context) ([]string, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT DISTINCT asset
		FROM trading.orders
		WHERE status IN (1, 2)
		ORDER BY asset ASC
	`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active assets: %w", err)
	}
	defer rows.Close()

	var assets []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return assets, nil
}

// LoadOpenOrders 按提交顺序加载某资产的未终态订单。
// 时间优先顺序由 create_time_ms 保证，重建后的簿与宕机前一致。
func (l *Loader) LoadOpenOrders(ctx context.Context, asset string) ([]*book.Order, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT order_id, COALESCE(client_order_id, ''), user_id, asset, side, type,
		       price, stop_price, qty, filled_qty, status, locked_asset, commit_price,
		       COALESCE(expires_at_ms, 0), create_time_ms
		FROM trading.orders
		WHERE asset = $1 AND status IN (1, 2)
		ORDER BY create_time_ms ASC, order_id ASC
	`
	rows, err := l.db.QueryContext(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	defer rows.Close()

	var orders []*book.Order
	for rows.Next() {
		var (
			o            book.Order
			side, otype  int
			status       int
			createTimeMs int64
		)
		if err := rows.Scan(
			&o.ID, &o.ClientOrderID, &o.UserID, &o.Asset, &side, &otype,
			&o.Price, &o.StopPrice, &o.Qty, &o.FilledQty, &status, &o.LockedAsset,
			&o.CommitPrice, &o.ExpiresAt, &createTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = book.Side(side)
		o.Type = book.OrderType(otype)
		o.Status = book.Status(status)
		o.CreatedAt = createTimeMs * 1_000_000 // ms -> ns
		o.LockedRemaining = lockedRemaining(&o, l.qtyScale(o.Asset))
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// lockedRemaining 按剩余数量重算资金占用。
// 买单按锁定价的剩余名义，卖单为剩余数量。
func lockedRemaining(o *book.Order, qtyScale int) int64 {
	if o.Side == book.SideSell {
		return o.Remaining()
	}
	return o.CommitPrice * o.Remaining() / pow10(qtyScale)
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// BalanceRow 某账户的最新余额快照
type BalanceRow struct {
	UserID    int64
	Asset     string
	Available int64
	Locked    int64
}

// LatestBalances 取每个账户最后一条流水的 after 余额
func (l *Loader) LatestBalances(ctx context.Context) ([]*BalanceRow, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("db not configured")
	}
	const query = `
		SELECT DISTINCT ON (user_id, asset)
		       user_id, asset, available_after, locked_after
		FROM trading.ledger_entries
		ORDER BY user_id, asset, ledger_id DESC
	`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	var out []*BalanceRow
	for rows.Next() {
		var b BalanceRow
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Available, &b.Locked); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return out, nil
}
