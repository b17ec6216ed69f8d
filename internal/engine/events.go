package engine

import (
	"github.com/tokenmarket/trading-engine/internal/book"
)

// EventType 事件类型
type EventType int

const (
	EventOrderAccepted EventType = iota + 1
	EventOrderRejected
	EventOrderCanceled
	EventOrderExpired
	EventOrderTriggered
	EventTradeSettled
	EventTradeFailed
	EventOrderFilled
	EventOrderPartiallyFilled
)

func (t EventType) String() string {
	switch t {
	case EventOrderAccepted:
		return "ORDER_ACCEPTED"
	case EventOrderRejected:
		return "ORDER_REJECTED"
	case EventOrderCanceled:
		return "ORDER_CANCELED"
	case EventOrderExpired:
		return "ORDER_EXPIRED"
	case EventOrderTriggered:
		return "ORDER_TRIGGERED"
	case EventTradeSettled:
		return "TRADE_SETTLED"
	case EventTradeFailed:
		return "TRADE_FAILED"
	case EventOrderFilled:
		return "ORDER_FILLED"
	case EventOrderPartiallyFilled:
		return "ORDER_PARTIALLY_FILLED"
	default:
		return "UNKNOWN"
	}
}

// durable 事件驱动 executions/orders 表更新，不允许丢弃；
// 拒单事件只进行情推送，可以丢。
func (t EventType) durable() bool {
	return t != EventOrderRejected
}

// Event 引擎事件，携带单资产内单调递增的序列号
type Event struct {
	Type      EventType
	Asset     string
	Seq       int64
	Timestamp int64 // 纳秒
	Data      interface{}
}

// Execution 一笔成交记录。结算成功为 SETTLED，合规拒绝或清算失败为 FAILED。
// FAILED 的成交绝不伴随任何账本变更。
type Execution struct {
	ID               int64    `json:"id"`
	Asset            string   `json:"asset"`
	BuyerID          int64    `json:"buyerId"`
	SellerID         int64    `json:"sellerId"`
	TakerOrderID     int64    `json:"takerOrderId"`
	MakerOrderID     int64    `json:"makerOrderId"`
	TakerSide        book.Side `json:"takerSide"`
	Price            int64    `json:"price"`
	Qty              int64    `json:"qty"`
	Notional         int64    `json:"notional"`
	SettlementStatus string   `json:"settlementStatus"` // SETTLED / FAILED
	ComplianceFlags  []string `json:"complianceFlags"`
	CreatedAtMs      int64    `json:"createdAtMs"`
}

const (
	SettlementSettled = "SETTLED"
	SettlementFailed  = "FAILED"
)

// OrderEventData 订单状态事件数据
type OrderEventData struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	UserID        int64       `json:"userId"`
	Side          book.Side   `json:"side"`
	Status        book.Status `json:"status"`
	Price         int64       `json:"price"`
	Qty           int64       `json:"qty"`
	FilledQty     int64       `json:"filledQty"`
	Reason        string      `json:"reason,omitempty"`
}

func orderData(o *book.Order, reason string) *OrderEventData {
	return &OrderEventData{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID,
		Side:          o.Side,
		Status:        o.Status,
		Price:         o.Price,
		Qty:           o.Qty,
		FilledQty:     o.FilledQty,
		Reason:        reason,
	}
}
