package book

// Park 将止损/止盈订单放入挂起区，等待触发
func (b *Book) Park(order *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parked[order.ID] = order
}

// RemoveParked 从挂起区移除订单（撤单/过期路径）
func (b *Book) RemoveParked(orderID int64) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, exists := b.parked[orderID]
	if !exists {
		return nil
	}
	delete(b.parked, orderID)
	return order
}

// triggered 判断最新成交价是否触发挂起订单。
// 止损卖/止盈买为向下触发，止损买/止盈卖为向上触发。
func triggered(o *Order, lastPrice int64) bool {
	upward := (o.Type == TypeStopLoss && o.Side == SideBuy) ||
		(o.Type == TypeTakeProfit && o.Side == SideSell)
	if upward {
		return lastPrice >= o.StopPrice
	}
	return lastPrice <= o.StopPrice
}

// WouldTrigger 判断订单在给定最新价下是否满足触发条件
func WouldTrigger(o *Order, lastPrice int64) bool {
	return triggered(o, lastPrice)
}

// CheckTriggers 用最新成交价扫描挂起区，移除并返回所有被触发的订单。
// 被触发的订单由调用方重新提交撮合，自然排到新档位时间队列末尾。
func (b *Book) CheckTriggers(lastPrice int64) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastPrice <= 0 || len(b.parked) == 0 {
		return nil
	}

	var fired []*Order
	for id, o := range b.parked {
		if triggered(o, lastPrice) {
			delete(b.parked, id)
			fired = append(fired, o)
		}
	}
	return fired
}

// ParkedCount 挂起区订单数
func (b *Book) ParkedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.parked)
}
