package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/compliance"
	"github.com/tokenmarket/trading-engine/internal/ledger"
	"github.com/tokenmarket/trading-engine/internal/marketdata"
	"github.com/tokenmarket/trading-engine/internal/metrics"
	"github.com/tokenmarket/trading-engine/internal/registry"
	"github.com/tokenmarket/trading-engine/pkg/decimal"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/snowflake"
)

// ErrQueueFull 命令队列已满，提交方应快速失败而不是阻塞撮合循环
var ErrQueueFull = errors.New("engine: command queue full")

// notionalAt 按数量精度计算名义价值，溢出返回错误
func notionalAt(price, qty int64, qtyScale int) (int64, error) {
	return decimal.UnitsMulUnits(price, qty, qtyScale)
}

// CommandType 命令类型
type CommandType int

const (
	CmdNewOrder CommandType = iota + 1
	CmdCancelOrder
	CmdExpireSweep
)

// CancelResult 撤单命令的同步应答
type CancelResult struct {
	Found    bool
	Terminal bool
	Owner    bool
	Status   book.Status
}

// Command 提交给撮合循环的命令
type Command struct {
	Type    CommandType
	Order   *book.Order
	OrderID int64
	UserID  int64
	NowMs   int64
	Reply   chan *CancelResult
}

// Engine 单资产撮合引擎。一个 goroutine 串行消费命令，
// 订单簿、资金结算、合规校验都在这条循环内完成，
// 天然保证同一资产内撮合-结算的事务边界。
type Engine struct {
	asset registry.Asset

	book  *book.Book
	store *ledger.Store
	gate  *compliance.Gate
	md    *marketdata.Aggregator
	idGen *snowflake.Node
	log   *logger.Logger

	cmdCh   chan *Command
	eventCh chan *Event

	seq   int64
	seqMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

// New 创建引擎，Start 之前不会消费命令
func New(asset registry.Asset, store *ledger.Store, gate *compliance.Gate, md *marketdata.Aggregator, idGen *snowflake.Node, log *logger.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		asset:   asset,
		book:    book.New(asset.Symbol),
		store:   store,
		gate:    gate,
		md:      md,
		idGen:   idGen,
		log:     log.WithComponent("engine"),
		cmdCh:   make(chan *Command, 4096),
		eventCh: make(chan *Event, 8192),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Book 暴露订单簿只读入口（深度查询、未结订单查询走这里）
func (e *Engine) Book() *book.Book { return e.book }

// Events 引擎事件流
func (e *Engine) Events() <-chan *Event { return e.eventCh }

// Start 启动撮合循环
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.wg.Add(1)
	go e.run()
	e.log.Infof("matching engine started", map[string]interface{}{"asset": e.asset.Symbol})
}

// Stop 停止撮合循环并等待退出
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.eventCh)
	e.log.Infof("matching engine stopped", map[string]interface{}{"asset": e.asset.Symbol})
}

// Submit 投递命令，队列满时快速失败
func (e *Engine) Submit(cmd *Command) error {
	select {
	case e.cmdCh <- cmd:
		return nil
	case <-e.ctx.Done():
		return context.Canceled
	default:
		metrics.IncCommandQueueFull(e.asset.Symbol)
		return ErrQueueFull
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.cmdCh:
			e.processCommand(cmd)
		}
	}
}

func (e *Engine) processCommand(cmd *Command) {
	start := time.Now()
	switch cmd.Type {
	case CmdNewOrder:
		e.processNewOrder(cmd.Order)
	case CmdCancelOrder:
		e.processCancel(cmd)
	case CmdExpireSweep:
		e.processExpireSweep(cmd.NowMs)
	}
	metrics.ObserveCommandLatency(e.asset.Symbol, cmdLabel(cmd.Type), time.Since(start))
}

func cmdLabel(t CommandType) string {
	switch t {
	case CmdNewOrder:
		return "new_order"
	case CmdCancelOrder:
		return "cancel_order"
	case CmdExpireSweep:
		return "expire_sweep"
	default:
		return "unknown"
	}
}

// processNewOrder 新订单：止损/止盈先挂起，其余立即撮合。
// 被触发促发的订单会追加到同一批次尾部，保证触发顺序即入场顺序。
func (e *Engine) processNewOrder(o *book.Order) {
	queue := []*book.Order{o}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.Type == book.TypeStopLoss || cur.Type == book.TypeTakeProfit {
			if !cur.Triggered {
				if last, _, ok := e.md.LastPrice(e.asset.Symbol); ok && book.WouldTrigger(cur, last) {
					cur.Triggered = true
					e.emit(EventOrderTriggered, orderData(cur, ""))
				} else {
					e.book.Park(cur)
					e.emit(EventOrderAccepted, orderData(cur, "PARKED"))
					continue
				}
			}
		}

		e.match(cur)
		queue = append(queue, e.promoteTriggered()...)
	}
}

// match 执行一轮撮合：每个候选成交先过合规闸，再做账本结算，
// 两者任一失败该笔成交作废，对手单原样留在簿上，撮合继续向后找。
func (e *Engine) match(taker *book.Order) {
	fills := e.book.Match(taker, func(maker *book.Order, price, qty int64) bool {
		return e.settleFill(taker, maker, price, qty)
	})

	for _, f := range fills {
		e.afterFill(f.Maker)
	}

	e.finishTaker(taker, len(fills) > 0)
}

// settleFill 单笔候选成交的合规+结算管线。返回 false 即否决，
// 订单簿状态不发生任何变化。
func (e *Engine) settleFill(taker, maker *book.Order, price, qty int64) bool {
	execID := e.idGen.MustNext()
	nowMs := time.Now().UnixMilli()

	notional, err := notionalAt(price, qty, e.asset.QtyScale)
	if err != nil {
		e.emitFailed(execID, taker, maker, price, qty, 0, nowMs, []string{"NOTIONAL_OVERFLOW"})
		return false
	}

	buyer, seller := taker, maker
	if taker.Side == book.SideSell {
		buyer, seller = maker, taker
	}

	cand := &compliance.Candidate{
		ExecutionID:  execID,
		Asset:        e.asset.Symbol,
		BuyerID:      buyer.UserID,
		SellerID:     seller.UserID,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		Price:        price,
		Qty:          qty,
		Notional:     notional,
	}
	decision := e.gate.Evaluate(e.ctx, cand)
	if !decision.Approved {
		metrics.IncComplianceDenial(e.asset.Symbol)
		e.emitFailed(execID, taker, maker, price, qty, notional, nowMs, decision.Flags)
		return false
	}

	// 买方按提交价锁定，成交价优于锁定价的差额在结算时原子释放
	commitNotional, err := notionalAt(buyer.CommitPrice, qty, e.asset.QtyScale)
	if err != nil {
		e.emitFailed(execID, taker, maker, price, qty, notional, nowMs, []string{"NOTIONAL_OVERFLOW"})
		return false
	}
	refund := commitNotional - notional
	if refund < 0 {
		refund = 0
		commitNotional = notional
	}

	err = e.store.SettleTrade(e.ctx, ledger.Settlement{
		TradeID:     execID,
		Asset:       e.asset.Symbol,
		QuoteAsset:  e.asset.QuoteAsset,
		BuyerID:     buyer.UserID,
		SellerID:    seller.UserID,
		Qty:         qty,
		Notional:    notional,
		QuoteRefund: refund,
	})
	if err != nil {
		metrics.IncSettlementFailure(e.asset.Symbol)
		e.log.WithError(err).Errorf("trade settlement failed, fill discarded", map[string]interface{}{
			"asset":   e.asset.Symbol,
			"tradeId": execID,
			"buyer":   buyer.UserID,
			"seller":  seller.UserID,
		})
		e.emitFailed(execID, taker, maker, price, qty, notional, nowMs, []string{"SETTLEMENT_FAILED"})
		return false
	}

	buyer.LockedRemaining -= commitNotional
	if buyer.LockedRemaining < 0 {
		buyer.LockedRemaining = 0
	}
	seller.LockedRemaining -= qty
	if seller.LockedRemaining < 0 {
		seller.LockedRemaining = 0
	}

	e.md.Record(e.asset.Symbol, price, qty, notional)
	metrics.IncTradesSettled(e.asset.Symbol)
	metrics.AddTradeNotional(e.asset.Symbol, notional)

	e.emit(EventTradeSettled, &Execution{
		ID:               execID,
		Asset:            e.asset.Symbol,
		BuyerID:          buyer.UserID,
		SellerID:         seller.UserID,
		TakerOrderID:     taker.ID,
		MakerOrderID:     maker.ID,
		TakerSide:        taker.Side,
		Price:            price,
		Qty:              qty,
		Notional:         notional,
		SettlementStatus: SettlementSettled,
		CreatedAtMs:      nowMs,
	})
	return true
}

func (e *Engine) emitFailed(execID int64, taker, maker *book.Order, price, qty, notional, nowMs int64, flags []string) {
	buyerID, sellerID := taker.UserID, maker.UserID
	if taker.Side == book.SideSell {
		buyerID, sellerID = maker.UserID, taker.UserID
	}
	e.emit(EventTradeFailed, &Execution{
		ID:               execID,
		Asset:            e.asset.Symbol,
		BuyerID:          buyerID,
		SellerID:         sellerID,
		TakerOrderID:     taker.ID,
		MakerOrderID:     maker.ID,
		TakerSide:        taker.Side,
		Price:            price,
		Qty:              qty,
		Notional:         notional,
		SettlementStatus: SettlementFailed,
		ComplianceFlags:  flags,
		CreatedAtMs:      nowMs,
	})
}

// afterFill 成交后的挂单方状态推进
func (e *Engine) afterFill(maker *book.Order) {
	if maker.Remaining() == 0 {
		maker.Status = book.StatusFilled
		e.releaseLeftover(maker)
		e.emit(EventOrderFilled, orderData(maker, ""))
	} else {
		maker.Status = book.StatusPartial
		e.emit(EventOrderPartiallyFilled, orderData(maker, ""))
	}
}

// finishTaker 撮合结束后的吃单方归宿：
// 限价单余量入簿，市价单余量取消并释放锁定资金。
func (e *Engine) finishTaker(taker *book.Order, hadFills bool) {
	if taker.Remaining() == 0 {
		taker.Status = book.StatusFilled
		e.releaseLeftover(taker)
		e.emit(EventOrderFilled, orderData(taker, ""))
		return
	}

	if taker.Price == 0 {
		// 市价单不入簿
		taker.Status = book.StatusCancelled
		e.releaseLeftover(taker)
		reason := "NO_LIQUIDITY"
		if hadFills {
			reason = "LIQUIDITY_EXHAUSTED"
		}
		e.emit(EventOrderCanceled, orderData(taker, reason))
		return
	}

	if hadFills {
		taker.Status = book.StatusPartial
		e.emit(EventOrderPartiallyFilled, orderData(taker, ""))
	} else {
		taker.Status = book.StatusPending
	}
	e.book.Add(taker)
	e.emit(EventOrderAccepted, orderData(taker, ""))
}

// promoteTriggered 用最新成交价检查挂起单，触发的订单按挂起顺序promote
func (e *Engine) promoteTriggered() []*book.Order {
	last, _, ok := e.md.LastPrice(e.asset.Symbol)
	if !ok {
		return nil
	}
	fired := e.book.CheckTriggers(last)
	for _, o := range fired {
		o.Triggered = true
		e.emit(EventOrderTriggered, orderData(o, ""))
	}
	return fired
}

// processCancel 撤单。order 不在簿中（含挂起区）即已终态或不存在，
// 终态判定与撮合在同一条循环内，不存在撤单与成交的竞态。
func (e *Engine) processCancel(cmd *Command) {
	res := &CancelResult{}
	o := e.book.Get(cmd.OrderID)
	if o == nil {
		if cmd.Reply != nil {
			cmd.Reply <- res
		}
		return
	}
	res.Found = true
	res.Owner = o.UserID == cmd.UserID
	if !res.Owner {
		res.Status = o.Status
		if cmd.Reply != nil {
			cmd.Reply <- res
		}
		return
	}

	if e.book.Remove(cmd.OrderID) == nil {
		e.book.RemoveParked(cmd.OrderID)
	}
	o.Status = book.StatusCancelled
	e.releaseLeftover(o)
	res.Status = o.Status
	e.emit(EventOrderCanceled, orderData(o, "USER_CANCELED"))
	if cmd.Reply != nil {
		cmd.Reply <- res
	}
}

// processExpireSweep 到期清扫：过期订单出簿、释放锁定、置 EXPIRED
func (e *Engine) processExpireSweep(nowMs int64) {
	for _, o := range e.book.ExpireDue(nowMs) {
		o.Status = book.StatusExpired
		e.releaseLeftover(o)
		e.emit(EventOrderExpired, orderData(o, "EXPIRED"))
		metrics.IncOrdersExpired(e.asset.Symbol)
	}
}

// releaseLeftover 终态订单释放剩余锁定资金
func (e *Engine) releaseLeftover(o *book.Order) {
	if o.LockedRemaining <= 0 {
		return
	}
	amount := o.LockedRemaining
	o.LockedRemaining = 0
	if err := e.store.Release(e.ctx, o.UserID, o.LockedAsset, amount, fmt.Sprintf("order:%d", o.ID)); err != nil {
		e.log.WithError(err).Errorf("failed to release leftover lock", map[string]interface{}{
			"orderId": o.ID,
			"userId":  o.UserID,
			"asset":   o.LockedAsset,
			"amount":  amount,
		})
	}
}

func (e *Engine) emit(t EventType, data interface{}) {
	e.seqMu.Lock()
	e.seq++
	seq := e.seq
	e.seqMu.Unlock()

	ev := &Event{
		Type:      t,
		Asset:     e.asset.Symbol,
		Seq:       seq,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}
	select {
	case e.eventCh <- ev:
		return
	default:
	}

	if t.durable() {
		// 成交与订单状态事件是 executions/orders 表落库的唯一来源，
		// 丢了会让库表与内存账簿永久脱节，阻塞等待下游消费；
		// 仅在引擎停机时放弃。
		select {
		case e.eventCh <- ev:
			return
		case <-e.ctx.Done():
		}
	}

	e.log.Errorf("event channel full, dropping event", map[string]interface{}{
		"asset": e.asset.Symbol,
		"type":  t.String(),
		"seq":   seq,
	})
	metrics.IncEventsDropped(e.asset.Symbol)
}
