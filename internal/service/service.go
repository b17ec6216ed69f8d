// Package service 交易服务编排层：校验、资金锁定、落库、投递撮合。
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/engine"
	"github.com/tokenmarket/trading-engine/internal/ledger"
	"github.com/tokenmarket/trading-engine/internal/marketdata"
	"github.com/tokenmarket/trading-engine/internal/metrics"
	"github.com/tokenmarket/trading-engine/internal/registry"
	"github.com/tokenmarket/trading-engine/internal/repository"
	"github.com/tokenmarket/trading-engine/pkg/audit"
	"github.com/tokenmarket/trading-engine/pkg/decimal"
	apperrors "github.com/tokenmarket/trading-engine/pkg/errors"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/snowflake"
)

// OrderStore 订单持久化接口
type OrderStore interface {
	CreateOrder(ctx context.Context, o *book.Order, nowMs int64) error
	UpdateOrder(ctx context.Context, orderID int64, status book.Status, filledQty int64, reason string, updateMs int64) error
	GetOrder(ctx context.Context, orderID int64) (*repository.OrderRow, error)
	GetOrderByClientID(ctx context.Context, userID int64, clientOrderID string) (*repository.OrderRow, error)
	ListOpenOrders(ctx context.Context, userID int64, asset string, limit int) ([]*repository.OrderRow, error)
	ListOrders(ctx context.Context, userID int64, asset string, startMs, endMs int64, limit int) ([]*repository.OrderRow, error)
}

// ExecutionStore 成交持久化接口
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *engine.Execution) error
	ListByOrder(ctx context.Context, orderID int64) ([]*engine.Execution, error)
	ListByUser(ctx context.Context, userID int64, asset string, startMs, endMs int64, limit int) ([]*engine.Execution, error)
}

// AuditSink 审计日志入口
type AuditSink interface {
	Log(ctx context.Context, l *audit.AuditLog) error
}

// TradingService 交易服务
type TradingService struct {
	reg     *registry.Registry
	store   *ledger.Store
	engines *engine.Manager
	orders  OrderStore
	execs   ExecutionStore
	md      *marketdata.Aggregator
	idGen   *snowflake.Node
	auditor AuditSink
	log     *logger.Logger

	// 市价买单锁定资金的参考价缓冲，万分比
	marketBufferBps int64
}

// Options 服务选项
type Options struct {
	MarketBufferBps int64
	Auditor         AuditSink
}

// New 创建交易服务
func New(reg *registry.Registry, store *ledger.Store, engines *engine.Manager,
	orders OrderStore, execs ExecutionStore, md *marketdata.Aggregator,
	idGen *snowflake.Node, log *logger.Logger, opts *Options) *TradingService {

	s := &TradingService{
		reg:             reg,
		store:           store,
		engines:         engines,
		orders:          orders,
		execs:           execs,
		md:              md,
		idGen:           idGen,
		log:             log.WithComponent("service"),
		marketBufferBps: 1000,
	}
	if opts != nil {
		if opts.MarketBufferBps > 0 {
			s.marketBufferBps = opts.MarketBufferBps
		}
		s.auditor = opts.Auditor
	}
	return s
}

// SubmitOrderRequest 提交订单请求
type SubmitOrderRequest struct {
	UserID        int64  `json:"userId"`
	Asset         string `json:"asset"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	Qty           string `json:"qty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	ExpiresAtMs   int64  `json:"expiresAtMs,omitempty"`
	IP            string `json:"-"`
	RequestID     string `json:"-"`
}

// OrderResponse 订单应答
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	Asset         string `json:"asset"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         int64  `json:"price"`
	StopPrice     int64  `json:"stopPrice,omitempty"`
	Qty           int64  `json:"qty"`
	FilledQty     int64  `json:"filledQty"`
	Status        string `json:"status"`
}

// SubmitOrder 订单入口：校验、资金锁定、落库、投递撮合队列。
// 资金锁定成功后任何一步失败都会回滚锁定。
func (s *TradingService) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*OrderResponse, error) {
	asset, err := s.reg.Tradable(req.Asset)
	if err != nil {
		metrics.IncOrdersRejected(req.Asset, rejectCode(err))
		return nil, err
	}

	o, err := s.buildOrder(req, asset)
	if err != nil {
		metrics.IncOrdersRejected(req.Asset, rejectCode(err))
		s.auditReject(ctx, req, err)
		return nil, err
	}

	// clientOrderId 幂等：重复提交返回已有订单
	if o.ClientOrderID != "" {
		if existing, err := s.orders.GetOrderByClientID(ctx, req.UserID, o.ClientOrderID); err == nil {
			return rowToResponse(existing), nil
		} else if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperrors.Newf(apperrors.CodeInternal, "lookup client order id: %v", err)
		}
	}

	// 资金锁定
	if err := s.store.Lock(ctx, o.UserID, o.LockedAsset, o.LockedRemaining, fmt.Sprintf("order:%d", o.ID)); err != nil {
		metrics.IncOrdersRejected(req.Asset, rejectCode(err))
		s.auditReject(ctx, req, err)
		return nil, err
	}

	unlock := func() {
		if rerr := s.store.Release(context.Background(), o.UserID, o.LockedAsset, o.LockedRemaining, fmt.Sprintf("order:%d", o.ID)); rerr != nil {
			s.log.WithError(rerr).Errorf("rollback lock failed", map[string]interface{}{"orderId": o.ID})
		}
	}

	nowMs := time.Now().UnixMilli()
	if err := s.orders.CreateOrder(ctx, o, nowMs); err != nil {
		unlock()
		if errors.Is(err, repository.ErrDuplicateClientOrderID) {
			// 并发重复提交：返回先到的订单
			if existing, lerr := s.orders.GetOrderByClientID(ctx, req.UserID, o.ClientOrderID); lerr == nil {
				return rowToResponse(existing), nil
			}
			return nil, apperrors.New(apperrors.CodeDuplicateClientOrderId, "duplicate client order id")
		}
		return nil, apperrors.Newf(apperrors.CodeInternal, "persist order: %v", err)
	}

	eng, err := s.engines.Engine(o.Asset)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := eng.Submit(&engine.Command{Type: engine.CmdNewOrder, Order: o}); err != nil {
		unlock()
		_ = s.orders.UpdateOrder(ctx, o.ID, book.StatusCancelled, 0, "QUEUE_FULL", time.Now().UnixMilli())
		return nil, apperrors.New(apperrors.CodeSystemBusy, "matching queue full, try again")
	}

	metrics.IncOrdersSubmitted(o.Asset, o.Side.String())
	s.auditSubmit(ctx, req, o)

	return &OrderResponse{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Asset:         o.Asset,
		Side:          o.Side.String(),
		Type:          o.Type.String(),
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		Qty:           o.Qty,
		Status:        o.Status.String(),
	}, nil
}

// buildOrder 校验请求并构建订单（含资金占用计算）
func (s *TradingService) buildOrder(req *SubmitOrderRequest, asset *registry.Asset) (*book.Order, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	otype, err := parseType(req.Type)
	if err != nil {
		return nil, err
	}

	qty, err := parseAmount(req.Qty, asset.QtyScale, apperrors.CodeInvalidQuantity)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidQuantity, "quantity must be positive")
	}
	if asset.MinQty > 0 && qty < asset.MinQty {
		return nil, apperrors.Newf(apperrors.CodeQtyTooSmall, "quantity below minimum %d", asset.MinQty)
	}

	var price int64
	if req.Price != "" {
		if price, err = parseAmount(req.Price, asset.PriceScale, apperrors.CodeInvalidPrice); err != nil {
			return nil, err
		}
		if price <= 0 {
			return nil, apperrors.New(apperrors.CodeInvalidPrice, "price must be positive")
		}
	}

	var stopPrice int64
	switch otype {
	case book.TypeLimit:
		if price == 0 {
			return nil, apperrors.New(apperrors.CodeInvalidPrice, "limit order requires price")
		}
	case book.TypeMarket:
		if price != 0 {
			return nil, apperrors.New(apperrors.CodeInvalidPrice, "market order must not carry price")
		}
	case book.TypeStopLoss, book.TypeTakeProfit:
		if req.StopPrice == "" {
			return nil, apperrors.New(apperrors.CodeStopPriceRequired, "stop price required")
		}
		if stopPrice, err = parseAmount(req.StopPrice, asset.PriceScale, apperrors.CodeInvalidPrice); err != nil {
			return nil, err
		}
		if stopPrice <= 0 {
			return nil, apperrors.New(apperrors.CodeStopPriceRequired, "stop price must be positive")
		}
	}

	// 限价偏离保护
	if price > 0 && asset.PriceBandBps > 0 {
		if last, _, ok := s.md.LastPrice(asset.Symbol); ok && last > 0 {
			diff := price - last
			if diff < 0 {
				diff = -diff
			}
			if diff*10000 > last*asset.PriceBandBps {
				return nil, apperrors.Newf(apperrors.CodePriceOutOfRange,
					"price deviates more than %d bps from last trade", asset.PriceBandBps)
			}
		}
	}

	if req.ExpiresAtMs != 0 && req.ExpiresAtMs <= time.Now().UnixMilli() {
		return nil, apperrors.New(apperrors.CodeInvalidExpiry, "expiry must be in the future")
	}

	if otype == book.TypeLimit && asset.MinNotional > 0 {
		limitNotional, err := decimal.UnitsMulUnits(price, qty, asset.QtyScale)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidQuantity, "order notional overflows")
		}
		if limitNotional < asset.MinNotional {
			return nil, apperrors.Newf(apperrors.CodeNotionalTooSmall,
				"notional below minimum %d", asset.MinNotional)
		}
	}

	o := &book.Order{
		ID:            s.idGen.MustNext(),
		UserID:        req.UserID,
		ClientOrderID: strings.TrimSpace(req.ClientOrderID),
		Asset:         asset.Symbol,
		Side:          side,
		Type:          otype,
		Price:         price,
		StopPrice:     stopPrice,
		Qty:           qty,
		Status:        book.StatusPending,
		ExpiresAt:     req.ExpiresAtMs,
		CreatedAt:     time.Now().UnixNano(),
	}

	// 资金占用
	if side == book.SideSell {
		o.LockedAsset = asset.Symbol
		o.LockedRemaining = qty
	} else {
		commitPrice := price
		if commitPrice == 0 {
			// 市价买/触发后市价买：按最新价加缓冲锁定
			last, _, ok := s.md.LastPrice(asset.Symbol)
			if !ok || last <= 0 {
				return nil, apperrors.New(apperrors.CodeMarketNoLiquidity,
					"no reference price for market buy")
			}
			commitPrice = last + last*s.marketBufferBps/10000
		}
		notional, err := decimal.UnitsMulUnits(commitPrice, qty, asset.QtyScale)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidQuantity, "order notional overflows")
		}
		o.LockedAsset = asset.QuoteAsset
		o.CommitPrice = commitPrice
		o.LockedRemaining = notional
	}

	return o, nil
}

// CancelOrder 撤单。终态判定最终由撮合循环给出，这里的预检仅用于快速失败。
func (s *TradingService) CancelOrder(ctx context.Context, userID, orderID int64) (*OrderResponse, error) {
	row, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperrors.New(apperrors.CodeOrderNotFound, "order not found")
		}
		return nil, apperrors.Newf(apperrors.CodeInternal, "load order: %v", err)
	}
	if row.UserID != userID {
		return nil, apperrors.New(apperrors.CodeNotOrderOwner, "not order owner")
	}
	if book.Status(row.Status).Terminal() {
		return nil, apperrors.New(apperrors.CodeOrderAlreadyTerminal, "order already terminal")
	}

	eng, err := s.engines.Lookup(row.Asset)
	if err != nil {
		return nil, err
	}

	reply := make(chan *engine.CancelResult, 1)
	if err := eng.Submit(&engine.Command{
		Type:    engine.CmdCancelOrder,
		OrderID: orderID,
		UserID:  userID,
		Reply:   reply,
	}); err != nil {
		return nil, apperrors.New(apperrors.CodeSystemBusy, "matching queue full, try again")
	}

	select {
	case <-ctx.Done():
		return nil, apperrors.New(apperrors.CodeTimeout, "cancel timed out")
	case res := <-reply:
		if !res.Found {
			// 撤单与成交竞态：簿中已不存在即已终态
			return nil, apperrors.New(apperrors.CodeOrderAlreadyTerminal, "order already terminal")
		}
		if !res.Owner {
			return nil, apperrors.New(apperrors.CodeNotOrderOwner, "not order owner")
		}
		s.auditCancel(ctx, userID, row)
		return &OrderResponse{
			OrderID:       row.OrderID,
			ClientOrderID: row.ClientOrderID,
			Asset:         row.Asset,
			Side:          book.Side(row.Side).String(),
			Type:          book.OrderType(row.Type).String(),
			Price:         row.Price,
			StopPrice:     row.StopPrice,
			Qty:           row.Qty,
			FilledQty:     row.FilledQty,
			Status:        res.Status.String(),
		}, nil
	}
}

// GetOrder 查询订单（仅限本人）
func (s *TradingService) GetOrder(ctx context.Context, userID, orderID int64) (*repository.OrderRow, error) {
	row, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperrors.New(apperrors.CodeOrderNotFound, "order not found")
		}
		return nil, apperrors.Newf(apperrors.CodeInternal, "load order: %v", err)
	}
	if row.UserID != userID {
		return nil, apperrors.New(apperrors.CodeNotOrderOwner, "not order owner")
	}
	return row, nil
}

// ListOpenOrders 查询当前委托。指定资产且引擎在运行时直接读订单簿：
// orders 表经事件流异步更新，簿内才是实时状态；跨资产查询走库表。
func (s *TradingService) ListOpenOrders(ctx context.Context, userID int64, asset string, limit int) ([]*repository.OrderRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if asset != "" {
		if eng, err := s.engines.Lookup(asset); err == nil {
			return liveOpenOrders(eng.Book().OpenOrders(userID), limit), nil
		}
	}
	rows, err := s.orders.ListOpenOrders(ctx, userID, asset, limit)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeInternal, "list open orders: %v", err)
	}
	return rows, nil
}

func liveOpenOrders(orders []*book.Order, limit int) []*repository.OrderRow {
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt > orders[j].CreatedAt })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	out := make([]*repository.OrderRow, 0, len(orders))
	for _, o := range orders {
		out = append(out, &repository.OrderRow{
			OrderID:       o.ID,
			ClientOrderID: o.ClientOrderID,
			UserID:        o.UserID,
			Asset:         o.Asset,
			Side:          int(o.Side),
			Type:          int(o.Type),
			Price:         o.Price,
			StopPrice:     o.StopPrice,
			Qty:           o.Qty,
			FilledQty:     o.FilledQty,
			Status:        int(o.Status),
			ExpiresAtMs:   o.ExpiresAt,
			CreateTimeMs:  o.CreatedAt / int64(time.Millisecond),
		})
	}
	return out
}

// ListOrders 查询历史订单
func (s *TradingService) ListOrders(ctx context.Context, userID int64, asset string, startMs, endMs int64, limit int) ([]*repository.OrderRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if endMs <= 0 {
		endMs = time.Now().UnixMilli()
	}
	rows, err := s.orders.ListOrders(ctx, userID, asset, startMs, endMs, limit)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeInternal, "list orders: %v", err)
	}
	return rows, nil
}

// ListExecutions 查询成交记录
func (s *TradingService) ListExecutions(ctx context.Context, userID int64, asset string, startMs, endMs int64, limit int) ([]*engine.Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if endMs <= 0 {
		endMs = time.Now().UnixMilli()
	}
	execs, err := s.execs.ListByUser(ctx, userID, asset, startMs, endMs, limit)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeInternal, "list executions: %v", err)
	}
	return execs, nil
}

// Ticker 行情快照
func (s *TradingService) Ticker(asset string) (*marketdata.Ticker, error) {
	if _, err := s.reg.Get(asset); err != nil {
		return nil, err
	}
	t, ok := s.md.Snapshot(asset)
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "no market data yet")
	}
	return &t, nil
}

// Depth 订单簿深度
func (s *TradingService) Depth(asset string, limit int) (bids, asks []book.PriceQty, err error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	eng, err := s.engines.Lookup(asset)
	if err != nil {
		// 没有引擎意味着还没有任何订单
		if _, rerr := s.reg.Get(asset); rerr != nil {
			return nil, nil, rerr
		}
		return []book.PriceQty{}, []book.PriceQty{}, nil
	}
	bids, asks = eng.Book().Depth(limit)
	return bids, asks, nil
}

// Balances 用户余额
func (s *TradingService) Balances(userID int64) map[string]ledger.Balance {
	return s.store.UserBalances(userID)
}

func parseSide(s string) (book.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return book.SideBuy, nil
	case "SELL":
		return book.SideSell, nil
	default:
		return 0, apperrors.Newf(apperrors.CodeInvalidSide, "invalid side %q", s)
	}
}

func parseType(s string) (book.OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET":
		return book.TypeMarket, nil
	case "LIMIT":
		return book.TypeLimit, nil
	case "STOP_LOSS":
		return book.TypeStopLoss, nil
	case "TAKE_PROFIT":
		return book.TypeTakeProfit, nil
	default:
		return 0, apperrors.Newf(apperrors.CodeInvalidOrderType, "invalid order type %q", s)
	}
}

// parseAmount 解析十进制字符串为最小单位整数，超出精度直接拒绝
func parseAmount(s string, scale int, code apperrors.Code) (int64, error) {
	d, err := decimal.Parse(s)
	if err != nil {
		return 0, apperrors.Newf(code, "invalid amount %q", s)
	}
	units, err := d.Units(scale)
	if err != nil {
		return 0, apperrors.Newf(code, "amount %q exceeds scale %d", s, scale)
	}
	return units, nil
}

func rejectCode(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	return string(apperrors.CodeInternal)
}

func rowToResponse(row *repository.OrderRow) *OrderResponse {
	return &OrderResponse{
		OrderID:       row.OrderID,
		ClientOrderID: row.ClientOrderID,
		Asset:         row.Asset,
		Side:          book.Side(row.Side).String(),
		Type:          book.OrderType(row.Type).String(),
		Price:         row.Price,
		StopPrice:     row.StopPrice,
		Qty:           row.Qty,
		FilledQty:     row.FilledQty,
		Status:        book.Status(row.Status).String(),
	}
}

func (s *TradingService) auditSubmit(ctx context.Context, req *SubmitOrderRequest, o *book.Order) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Log(ctx, audit.NewLog(audit.EventOrderSubmitted, req.UserID).
		WithAsset(o.Asset).
		WithIP(req.IP).
		WithResource("order", fmt.Sprintf("%d", o.ID)).
		WithRequestID(req.RequestID).
		WithParams(map[string]interface{}{
			"side": o.Side.String(), "type": o.Type.String(),
			"price": o.Price, "qty": o.Qty,
		}).
		WithResult(true, ""))
}

func (s *TradingService) auditReject(ctx context.Context, req *SubmitOrderRequest, err error) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Log(ctx, audit.NewLog(audit.EventOrderRejected, req.UserID).
		WithAsset(req.Asset).
		WithIP(req.IP).
		WithRequestID(req.RequestID).
		WithResult(false, err.Error()))
}

func (s *TradingService) auditCancel(ctx context.Context, userID int64, row *repository.OrderRow) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Log(ctx, audit.NewLog(audit.EventOrderCanceled, userID).
		WithAsset(row.Asset).
		WithResource("order", fmt.Sprintf("%d", row.OrderID)).
		WithResult(true, ""))
}
