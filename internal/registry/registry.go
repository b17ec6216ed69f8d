// Package registry 资产注册表：交易状态与精度配置
package registry

import (
	"context"
	"database/sql"
	"sync"

	apperrors "github.com/tokenmarket/trading-engine/pkg/errors"
)

// Status 资产交易状态
type Status int

const (
	StatusTrading Status = 1
	StatusHalted  Status = 2
)

// Asset 单个可交易资产的配置。价格精度适用于计价资产，
// 数量精度适用于基础资产，两者共同决定最小单位换算。
type Asset struct {
	Symbol      string
	QuoteAsset  string
	Status      Status
	PriceScale  int
	QtyScale    int
	MinQty      int64 // 最小下单数量（最小单位）
	MinNotional int64 // 最小名义价值（计价资产最小单位）
	// 限价偏离保护：与最新成交价的最大偏离，万分比。0 表示不限制。
	PriceBandBps int64
}

// Registry 内存资产注册表
type Registry struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

func New() *Registry {
	return &Registry{assets: make(map[string]*Asset)}
}

// Upsert 新增或覆盖资产配置
func (r *Registry) Upsert(a *Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.assets[a.Symbol] = &cp
}

// Get 获取资产配置
func (r *Registry) Get(symbol string) (*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[symbol]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeAssetNotFound, "asset %s not found", symbol)
	}
	cp := *a
	return &cp, nil
}

// Tradable 校验资产可交易
func (r *Registry) Tradable(symbol string) (*Asset, error) {
	a, err := r.Get(symbol)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusTrading {
		return nil, apperrors.Newf(apperrors.CodeAssetNotTradable, "asset %s is halted", symbol)
	}
	return a, nil
}

// SetStatus 切换交易状态（运营操作）
func (r *Registry) SetStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[symbol]
	if !ok {
		return apperrors.Newf(apperrors.CodeAssetNotFound, "asset %s not found", symbol)
	}
	a.Status = status
	return nil
}

// List 所有已注册资产
func (r *Registry) List() []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Asset, 0, len(r.assets))
	for _, a := range r.assets {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// LoadFromDB 从数据库加载资产配置（启动时调用）
func (r *Registry) LoadFromDB(ctx context.Context, db *sql.DB) error {
	const query = `
		SELECT symbol, quote_asset, status, price_scale, qty_scale,
		       min_qty, min_notional, price_band_bps
		FROM trading.assets`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[string]*Asset)
	for rows.Next() {
		var a Asset
		if err := rows.Scan(
			&a.Symbol, &a.QuoteAsset, &a.Status, &a.PriceScale, &a.QtyScale,
			&a.MinQty, &a.MinNotional, &a.PriceBandBps,
		); err != nil {
			return err
		}
		loaded[a.Symbol] = &a
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.assets = loaded
	r.mu.Unlock()
	return nil
}
