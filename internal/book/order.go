package book

import "container/list"

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType int

const (
	TypeMarket     OrderType = 1
	TypeLimit      OrderType = 2
	TypeStopLoss   OrderType = 3
	TypeTakeProfit OrderType = 4
)

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	case TypeStopLoss:
		return "STOP_LOSS"
	case TypeTakeProfit:
		return "TAKE_PROFIT"
	default:
		return "UNKNOWN"
	}
}

// Status 订单状态机：pending → partial → filled，
// pending/partial → cancelled/expired。终态不再迁移。
type Status int

const (
	StatusPending   Status = 1
	StatusPartial   Status = 2
	StatusFilled    Status = 3
	StatusCancelled Status = 4
	StatusExpired   Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPartial:
		return "PARTIAL"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Order 订单。价格和数量为资产注册表定义精度下的最小单位整数。
type Order struct {
	ID            int64
	UserID        int64
	ClientOrderID string
	Asset         string
	Side          Side
	Type          OrderType
	Price         int64 // 限价，市价单为 0
	StopPrice     int64 // 止损/止盈触发价
	Qty           int64
	FilledQty     int64
	Status        Status

	// 资金占用：提交时冻结的资产与剩余占用量。
	// 买单按 CommitPrice 计算名义价值占用计价资产，卖单占用基础资产数量。
	LockedAsset     string
	LockedRemaining int64
	CommitPrice     int64

	// Triggered 止损/止盈订单是否已被触发激活
	Triggered bool

	ExpiresAt int64 // Unix 毫秒，0 表示不过期
	CreatedAt int64 // 纳秒时间戳，时间优先级依据

	element *list.Element
}

// Remaining 剩余数量
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// IsTerminal 是否终态
func (o *Order) IsTerminal() bool {
	return o.Status.Terminal()
}
