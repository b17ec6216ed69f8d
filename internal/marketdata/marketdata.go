// Package marketdata 行情聚合：由已结算成交推导 24h 滚动统计
package marketdata

import (
	"sync"
	"time"
)

// Ticker 单资产行情快照。价格数量为最小单位整数。
type Ticker struct {
	Asset          string `json:"asset"`
	CurrentPrice   int64  `json:"currentPrice"`
	High24h        int64  `json:"high24h"`
	Low24h         int64  `json:"low24h"`
	Volume24h      int64  `json:"volume24h"`
	QuoteVolume24h int64  `json:"quoteVolume24h"`
	PriceChange24h int64  `json:"priceChange24h"`
	TradeCount24h  int64  `json:"tradeCount24h"`
	UpdatedAtMs    int64  `json:"updatedAtMs"`
}

type trade struct {
	price    int64
	qty      int64
	notional int64
	tsMs     int64
}

type assetWindow struct {
	trades []trade
	// 窗口外最后一笔成交价，作为 24h 前的参考价
	refPrice int64
	last     int64
	version  int64
	updated  int64
}

// Aggregator 行情聚合器。Record 由撮合循环在结算后调用，必须廉价；
// 读路径最多落后一笔成交。
type Aggregator struct {
	mu      sync.RWMutex
	windows map[string]*assetWindow
	span    time.Duration

	now func() time.Time
}

func New() *Aggregator {
	return &Aggregator{
		windows: make(map[string]*assetWindow),
		span:    24 * time.Hour,
		now:     time.Now,
	}
}

// Record 记录一笔已结算成交
func (a *Aggregator) Record(asset string, price, qty, notional int64) {
	nowMs := a.now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windows[asset]
	if w == nil {
		w = &assetWindow{}
		a.windows[asset] = w
	}

	a.pruneLocked(w, nowMs)
	w.trades = append(w.trades, trade{price: price, qty: qty, notional: notional, tsMs: nowMs})
	w.last = price
	w.version++
	w.updated = nowMs
}

func (a *Aggregator) pruneLocked(w *assetWindow, nowMs int64) {
	cutoff := nowMs - a.span.Milliseconds()
	i := 0
	for i < len(w.trades) && w.trades[i].tsMs <= cutoff {
		w.refPrice = w.trades[i].price
		i++
	}
	if i > 0 {
		w.trades = w.trades[i:]
	}
}

// Snapshot 当前 24h 行情。没有任何成交时返回 ok=false。
func (a *Aggregator) Snapshot(asset string) (Ticker, bool) {
	nowMs := a.now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windows[asset]
	if w == nil || w.version == 0 {
		return Ticker{}, false
	}
	a.pruneLocked(w, nowMs)

	t := Ticker{
		Asset:        asset,
		CurrentPrice: w.last,
		UpdatedAtMs:  w.updated,
	}

	ref := w.refPrice
	for i, tr := range w.trades {
		if i == 0 && ref == 0 {
			ref = tr.price
		}
		if tr.price > t.High24h {
			t.High24h = tr.price
		}
		if tr.price < t.Low24h || t.Low24h == 0 {
			t.Low24h = tr.price
		}
		t.Volume24h += tr.qty
		t.QuoteVolume24h += tr.notional
		t.TradeCount24h++
	}

	if len(w.trades) == 0 {
		// 窗口空了，最新价仍然有效
		t.High24h = w.last
		t.Low24h = w.last
	}
	if ref > 0 {
		t.PriceChange24h = w.last - ref
	}
	return t, true
}

// LastPrice 最新成交价与版本号，止损/止盈触发和价格带校验使用。
// 版本号随每笔成交单调递增。
func (a *Aggregator) LastPrice(asset string) (price, version int64, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w := a.windows[asset]
	if w == nil || w.version == 0 {
		return 0, 0, false
	}
	return w.last, w.version, true
}
