// Package book 单资产订单簿，价格-时间优先
package book

import (
	"container/list"
	"sync"
	"time"
)

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order
	Total  int64      // 该档位剩余总数量
}

// Book 单资产订单簿
type Book struct {
	Asset string

	// 买盘：价格降序（高价优先）
	bids map[int64]*PriceLevel
	// 卖盘：价格升序（低价优先）
	asks map[int64]*PriceLevel

	// 活动订单索引
	orders map[int64]*Order

	// 价格排序缓存
	bidPrices []int64
	askPrices []int64

	// 止损/止盈挂起区，未触发前不参与撮合
	parked map[int64]*Order

	mu sync.RWMutex
}

// New 创建订单簿
func New(asset string) *Book {
	return &Book{
		Asset:     asset,
		bids:      make(map[int64]*PriceLevel),
		asks:      make(map[int64]*PriceLevel),
		orders:    make(map[int64]*Order),
		bidPrices: make([]int64, 0),
		askPrices: make([]int64, 0),
		parked:    make(map[int64]*Order),
	}
}

// Add 将限价订单挂入订单簿。市价单永不入簿。
func (b *Book) Add(order *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if order.CreatedAt == 0 {
		order.CreatedAt = time.Now().UnixNano()
	}

	levels, prices := b.sideOf(order.Side)

	level, exists := levels[order.Price]
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels[order.Price] = level
		*prices = insertPrice(*prices, order.Price, order.Side == SideBuy)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.Remaining()
	b.orders[order.ID] = order
}

// Remove 从订单簿移除订单，返回被移除的订单（不存在返回 nil）
func (b *Book) Remove(orderID int64) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID int64) *Order {
	order, exists := b.orders[orderID]
	if !exists {
		return nil
	}

	levels, prices := b.sideOf(order.Side)

	level := levels[order.Price]
	if level != nil {
		level.Orders.Remove(order.element)
		level.Total -= order.Remaining()

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price)
		}
	}

	delete(b.orders, orderID)
	return order
}

// Get 获取活动订单
func (b *Book) Get(orderID int64) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if o, ok := b.orders[orderID]; ok {
		return o
	}
	return b.parked[orderID]
}

// BestBid 最优买价
func (b *Book) BestBid() (price, qty int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bidPrices) == 0 {
		return 0, 0, false
	}
	price = b.bidPrices[0]
	return price, b.bids[price].Total, true
}

// BestAsk 最优卖价
func (b *Book) BestAsk() (price, qty int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.askPrices) == 0 {
		return 0, 0, false
	}
	price = b.askPrices[0]
	return price, b.asks[price].Total, true
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Depth 获取前 N 档深度
func (b *Book) Depth(limit int) (bids, asks []PriceQty) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]PriceQty, 0, limit)
	asks = make([]PriceQty, 0, limit)

	for i := 0; i < len(b.bidPrices) && i < limit; i++ {
		price := b.bidPrices[i]
		bids = append(bids, PriceQty{Price: price, Qty: b.bids[price].Total})
	}
	for i := 0; i < len(b.askPrices) && i < limit; i++ {
		price := b.askPrices[i]
		asks = append(asks, PriceQty{Price: price, Qty: b.asks[price].Total})
	}
	return
}

// Fill 一次撮合回调的结果
type Fill struct {
	Maker *Order
	Price int64
	Qty   int64
}

// FillFunc 在簿锁内对每个候选成交执行结算。返回 true 表示成交已提交，
// 订单簿随即扣减双方数量；返回 false 表示该 maker 被跳过（保持原状），
// 撮合继续尝试下一个 maker。
type FillFunc func(maker *Order, price, qty int64) bool

// Match 以 taker 为主动方撮合。成交价取 maker 挂单价，数量为双方剩余的较小值。
// 同一用户的对手单直接跳过（自成交保护）。
func (b *Book) Match(taker *Order, fill FillFunc) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels, prices := b.sideOf(taker.Side.Opposite())

	canMatch := func(makerPrice int64) bool {
		if taker.Price == 0 { // 市价单
			return true
		}
		if taker.Side == SideBuy {
			return makerPrice <= taker.Price
		}
		return makerPrice >= taker.Price
	}

	// 撮合过程中只会移除档位，不会新增，快照遍历是安全的
	snapshot := append([]int64(nil), (*prices)...)

	var fills []Fill
	for _, price := range snapshot {
		if taker.Remaining() <= 0 {
			break
		}
		if !canMatch(price) {
			break
		}

		level, exists := levels[price]
		if !exists {
			continue
		}

		for e := level.Orders.Front(); e != nil && taker.Remaining() > 0; {
			maker := e.Value.(*Order)
			next := e.Next()

			// 自成交检查
			if maker.UserID == taker.UserID {
				e = next
				continue
			}

			matchQty := minQty(taker.Remaining(), maker.Remaining())

			if !fill(maker, maker.Price, matchQty) {
				// 被跳过的 maker 保留在簿中，继续尝试下一个
				e = next
				continue
			}

			taker.FilledQty += matchQty
			maker.FilledQty += matchQty
			level.Total -= matchQty
			fills = append(fills, Fill{Maker: maker, Price: maker.Price, Qty: matchQty})

			if maker.Remaining() <= 0 {
				level.Orders.Remove(e)
				delete(b.orders, maker.ID)
			}

			e = next
		}

		if level.Orders.Len() == 0 {
			delete(levels, price)
			*prices = removePrice(*prices, price)
		}
	}

	return fills
}

// OpenOrders 返回某用户的全部活动订单（含挂起的止损/止盈）
func (b *Book) OpenOrders(userID int64) []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Order
	for _, o := range b.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	for _, o := range b.parked {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// ExpireDue 移除并返回所有已过期订单（含挂起区）
func (b *Book) ExpireDue(nowMilli int64) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*Order
	for id, o := range b.orders {
		if o.ExpiresAt > 0 && o.ExpiresAt <= nowMilli {
			b.removeLocked(id)
			due = append(due, o)
		}
	}
	for id, o := range b.parked {
		if o.ExpiresAt > 0 && o.ExpiresAt <= nowMilli {
			delete(b.parked, id)
			due = append(due, o)
		}
	}
	return due
}

func (b *Book) sideOf(side Side) (map[int64]*PriceLevel, *[]int64) {
	if side == SideBuy {
		return b.bids, &b.bidPrices
	}
	return b.asks, &b.askPrices
}

// insertPrice 插入价格并保持排序
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := 0
	for i < len(prices) {
		if descending {
			if price > prices[i] {
				break
			}
		} else {
			if price < prices[i] {
				break
			}
		}
		i++
	}

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 移除价格
func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

func minQty(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
