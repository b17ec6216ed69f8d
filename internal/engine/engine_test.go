package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/compliance"
	"github.com/tokenmarket/trading-engine/internal/ledger"
	"github.com/tokenmarket/trading-engine/internal/marketdata"
	"github.com/tokenmarket/trading-engine/internal/registry"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/snowflake"
)

// 测试资产：价格精度 2，数量精度 2。
// 名义价值 = price*qty/100，例如 10000(100.00 USD) * 100(1.00) = 10000。
func testAsset() registry.Asset {
	return registry.Asset{
		Symbol:     "TOKA",
		QuoteAsset: "USD",
		Status:     registry.StatusTrading,
		PriceScale: 2,
		QtyScale:   2,
	}
}

func newTestEngine(t *testing.T, src compliance.PolicySource) *Engine {
	t.Helper()
	if src == nil {
		src = compliance.NewStaticSource(compliance.Policy{})
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return New(
		testAsset(),
		ledger.New(nil, nil),
		compliance.NewGate(src, time.Second),
		marketdata.New(),
		node,
		logger.New("test", io.Discard),
	)
}

func fund(t *testing.T, e *Engine, userID int64, asset string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.Deposit(ctx, userID, asset, amount, "test"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := e.store.Lock(ctx, userID, asset, amount, "test"); err != nil {
		t.Fatalf("lock: %v", err)
	}
}

var testOrderID int64

func limitOrder(userID int64, side book.Side, price, qty int64) *book.Order {
	testOrderID++
	o := &book.Order{
		ID:        testOrderID,
		UserID:    userID,
		Asset:     "TOKA",
		Side:      side,
		Type:      book.TypeLimit,
		Price:     price,
		Qty:       qty,
		Status:    book.StatusPending,
		CreatedAt: testOrderID,
	}
	if side == book.SideBuy {
		o.LockedAsset = "USD"
		o.CommitPrice = price
		o.LockedRemaining = price * qty / 100
	} else {
		o.LockedAsset = "TOKA"
		o.LockedRemaining = qty
	}
	return o
}

// drain 非阻塞读空事件通道
func drain(e *Engine) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-e.eventCh:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []*Event, t EventType) bool {
	for _, ev := range events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestLimitOrdersMatchAndSettle(t *testing.T) {
	e := newTestEngine(t, nil)

	fund(t, e, 1, "TOKA", 100)   // 卖方 1.00 TOKA
	fund(t, e, 2, "USD", 10000)  // 买方 100.00 USD

	maker := limitOrder(1, book.SideSell, 10000, 100)
	e.processNewOrder(maker)
	drain(e)

	taker := limitOrder(2, book.SideBuy, 10000, 100)
	e.processNewOrder(taker)
	events := drain(e)

	if !hasEvent(events, EventTradeSettled) {
		t.Fatal("expected TRADE_SETTLED event")
	}
	if maker.Status != book.StatusFilled || taker.Status != book.StatusFilled {
		t.Fatalf("expected both filled, got maker=%v taker=%v", maker.Status, taker.Status)
	}

	if b := e.store.Balance(2, "TOKA"); b.Available != 100 {
		t.Fatalf("buyer base available = %d, want 100", b.Available)
	}
	if b := e.store.Balance(1, "USD"); b.Available != 10000 {
		t.Fatalf("seller quote available = %d, want 10000", b.Available)
	}
	if b := e.store.Balance(2, "USD"); b.Available != 0 || b.Locked != 0 {
		t.Fatalf("buyer quote = %+v, want fully spent", b)
	}
	if b := e.store.Balance(1, "TOKA"); b.Available != 0 || b.Locked != 0 {
		t.Fatalf("seller base = %+v, want fully delivered", b)
	}
}

// 买方限价高于卖方挂价时按挂价成交，差额退回可用余额
func TestPriceImprovementRefundsBuyer(t *testing.T) {
	e := newTestEngine(t, nil)

	fund(t, e, 1, "TOKA", 100)
	fund(t, e, 2, "USD", 10000)

	maker := limitOrder(1, book.SideSell, 9000, 100)
	e.processNewOrder(maker)
	drain(e)

	taker := limitOrder(2, book.SideBuy, 10000, 100)
	e.processNewOrder(taker)

	// 成交价 9000，名义 9000，锁定 10000，差额 1000 退回
	if b := e.store.Balance(2, "USD"); b.Available != 1000 || b.Locked != 0 {
		t.Fatalf("buyer quote = %+v, want available=1000 locked=0", b)
	}
	if b := e.store.Balance(1, "USD"); b.Available != 9000 {
		t.Fatalf("seller quote available = %d, want 9000", b.Available)
	}
}

// 被合规拒绝的对手方留在簿上，撮合继续找下一个
func TestComplianceDenialSkipsMakerAndContinues(t *testing.T) {
	src := compliance.NewStaticSource(compliance.Policy{})
	src.Set(1, compliance.Policy{Blocked: true})
	e := newTestEngine(t, src)

	fund(t, e, 1, "TOKA", 100)
	fund(t, e, 2, "TOKA", 100)
	fund(t, e, 3, "USD", 20000)

	blocked := limitOrder(1, book.SideSell, 10000, 100)
	clean := limitOrder(2, book.SideSell, 10000, 100)
	e.processNewOrder(blocked)
	e.processNewOrder(clean)
	drain(e)

	taker := limitOrder(3, book.SideBuy, 10000, 100)
	e.processNewOrder(taker)
	events := drain(e)

	if !hasEvent(events, EventTradeFailed) {
		t.Fatal("expected TRADE_FAILED event for blocked counterparty")
	}
	if !hasEvent(events, EventTradeSettled) {
		t.Fatal("expected TRADE_SETTLED event with clean counterparty")
	}

	// 被拒的挂单原样保留
	if got := e.book.Get(blocked.ID); got == nil || got.Remaining() != 100 {
		t.Fatalf("blocked maker should rest untouched, got %+v", got)
	}
	if clean.Status != book.StatusFilled {
		t.Fatalf("clean maker status = %v, want FILLED", clean.Status)
	}
	// 被拒方资金无任何变动
	if b := e.store.Balance(1, "TOKA"); b.Locked != 100 {
		t.Fatalf("blocked maker base = %+v, want still locked", b)
	}

	var failed *Execution
	for _, ev := range events {
		if ev.Type == EventTradeFailed {
			failed = ev.Data.(*Execution)
		}
	}
	if failed.SettlementStatus != SettlementFailed || len(failed.ComplianceFlags) == 0 {
		t.Fatalf("failed execution = %+v, want FAILED with flags", failed)
	}
}

// 结算失败的成交作废，双方订单与资金均不变
func TestSettlementFailureDiscardsFill(t *testing.T) {
	e := newTestEngine(t, nil)

	// 卖方只入金不锁定，结算校验必然失败
	if err := e.store.Deposit(context.Background(), 1, "TOKA", 100, "test"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	fund(t, e, 2, "USD", 10000)

	maker := limitOrder(1, book.SideSell, 10000, 100)
	e.processNewOrder(maker)
	drain(e)

	taker := limitOrder(2, book.SideBuy, 10000, 100)
	e.processNewOrder(taker)
	events := drain(e)

	if hasEvent(events, EventTradeSettled) {
		t.Fatal("no trade should settle")
	}
	if !hasEvent(events, EventTradeFailed) {
		t.Fatal("expected TRADE_FAILED event")
	}
	if taker.FilledQty != 0 || maker.FilledQty != 0 {
		t.Fatalf("no quantity should fill, taker=%d maker=%d", taker.FilledQty, maker.FilledQty)
	}
	if b := e.store.Balance(2, "USD"); b.Locked != 10000 {
		t.Fatalf("buyer quote = %+v, want untouched", b)
	}
}

// 市价单吃完流动性后余量取消，剩余锁定全额释放
func TestMarketOrderRemainderCanceled(t *testing.T) {
	e := newTestEngine(t, nil)

	fund(t, e, 1, "TOKA", 50)
	fund(t, e, 2, "USD", 11000)

	maker := limitOrder(1, book.SideSell, 10000, 50)
	e.processNewOrder(maker)
	drain(e)

	// 市价买 1.00，按缓冲参考价 110.00 锁定 110.00 USD
	testOrderID++
	taker := &book.Order{
		ID:              testOrderID,
		UserID:          2,
		Asset:           "TOKA",
		Side:            book.SideBuy,
		Type:            book.TypeMarket,
		Qty:             100,
		Status:          book.StatusPending,
		LockedAsset:     "USD",
		CommitPrice:     11000,
		LockedRemaining: 11000,
		CreatedAt:       testOrderID,
	}
	e.processNewOrder(taker)
	events := drain(e)

	if !hasEvent(events, EventOrderCanceled) {
		t.Fatal("expected market remainder to be canceled")
	}
	if taker.Status != book.StatusCancelled || taker.FilledQty != 50 {
		t.Fatalf("taker = %v filled=%d, want CANCELLED filled=50", taker.Status, taker.FilledQty)
	}
	// 成交名义 5000，按锁定价消耗 5500（差额 500 随结算释放），
	// 剩余 5500 在取消时释放：可用 = 11000 - 5000 = 6000
	if b := e.store.Balance(2, "USD"); b.Available != 6000 || b.Locked != 0 {
		t.Fatalf("buyer quote = %+v, want available=6000 locked=0", b)
	}
	if b := e.store.Balance(2, "TOKA"); b.Available != 50 {
		t.Fatalf("buyer base = %+v, want 50", b)
	}
}

// 市价单无流动性时直接取消
func TestMarketOrderNoLiquidity(t *testing.T) {
	e := newTestEngine(t, nil)
	fund(t, e, 2, "USD", 10000)

	testOrderID++
	taker := &book.Order{
		ID:              testOrderID,
		UserID:          2,
		Asset:           "TOKA",
		Side:            book.SideBuy,
		Type:            book.TypeMarket,
		Qty:             100,
		Status:          book.StatusPending,
		LockedAsset:     "USD",
		CommitPrice:     10000,
		LockedRemaining: 10000,
		CreatedAt:       testOrderID,
	}
	e.processNewOrder(taker)
	events := drain(e)

	if taker.Status != book.StatusCancelled {
		t.Fatalf("taker status = %v, want CANCELLED", taker.Status)
	}
	var reason string
	for _, ev := range events {
		if ev.Type == EventOrderCanceled {
			reason = ev.Data.(*OrderEventData).Reason
		}
	}
	if reason != "NO_LIQUIDITY" {
		t.Fatalf("cancel reason = %q, want NO_LIQUIDITY", reason)
	}
	if b := e.store.Balance(2, "USD"); b.Available != 10000 || b.Locked != 0 {
		t.Fatalf("buyer quote = %+v, want fully released", b)
	}
}

// 止损单先挂起，成交价下穿触发价后按市价入场
func TestStopLossParksThenTriggers(t *testing.T) {
	e := newTestEngine(t, nil)

	fund(t, e, 5, "TOKA", 100) // 止损卖方
	fund(t, e, 3, "USD", 18000)
	fund(t, e, 4, "TOKA", 100)

	testOrderID++
	stop := &book.Order{
		ID:              testOrderID,
		UserID:          5,
		Asset:           "TOKA",
		Side:            book.SideSell,
		Type:            book.TypeStopLoss,
		StopPrice:       9500,
		Qty:             100,
		Status:          book.StatusPending,
		LockedAsset:     "TOKA",
		LockedRemaining: 100,
		CreatedAt:       testOrderID,
	}
	e.processNewOrder(stop)
	events := drain(e)
	if !hasEvent(events, EventOrderAccepted) || e.book.ParkedCount() != 1 {
		t.Fatal("stop order should park without matching")
	}

	// 买盘 2.00 @ 90.00，吃单卖出 1.00 产生最新价 9000，触发止损
	bid := limitOrder(3, book.SideBuy, 9000, 200)
	e.processNewOrder(bid)
	seller := limitOrder(4, book.SideSell, 9000, 100)
	e.processNewOrder(seller)
	events = drain(e)

	if !hasEvent(events, EventOrderTriggered) {
		t.Fatal("expected stop order to trigger")
	}
	if e.book.ParkedCount() != 0 {
		t.Fatalf("parked count = %d, want 0", e.book.ParkedCount())
	}
	if stop.Status != book.StatusFilled {
		t.Fatalf("stop order status = %v, want FILLED", stop.Status)
	}
	if b := e.store.Balance(5, "USD"); b.Available != 9000 {
		t.Fatalf("stop seller quote = %+v, want 9000", b)
	}
}

// 提交瞬间已越过触发价的止损/止盈立即激活
func TestStopOrderTriggersImmediatelyWhenCrossed(t *testing.T) {
	e := newTestEngine(t, nil)
	e.md.Record("TOKA", 9000, 100, 9000) // 最新价 9000

	fund(t, e, 3, "USD", 9000)
	fund(t, e, 5, "TOKA", 100)

	bid := limitOrder(3, book.SideBuy, 9000, 100)
	e.processNewOrder(bid)
	drain(e)

	testOrderID++
	stop := &book.Order{
		ID:              testOrderID,
		UserID:          5,
		Asset:           "TOKA",
		Side:            book.SideSell,
		Type:            book.TypeStopLoss,
		StopPrice:       9500, // 最新价已低于触发价
		Qty:             100,
		Status:          book.StatusPending,
		LockedAsset:     "TOKA",
		LockedRemaining: 100,
		CreatedAt:       testOrderID,
	}
	e.processNewOrder(stop)
	events := drain(e)

	if !hasEvent(events, EventOrderTriggered) {
		t.Fatal("expected immediate trigger")
	}
	if e.book.ParkedCount() != 0 {
		t.Fatal("order should not park")
	}
	if stop.Status != book.StatusFilled {
		t.Fatalf("stop status = %v, want FILLED", stop.Status)
	}
}

func TestCancelOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	fund(t, e, 1, "USD", 10000)

	o := limitOrder(1, book.SideBuy, 10000, 100)
	e.processNewOrder(o)
	drain(e)

	// 非所有者撤单
	reply := make(chan *CancelResult, 1)
	e.processCancel(&Command{Type: CmdCancelOrder, OrderID: o.ID, UserID: 99, Reply: reply})
	res := <-reply
	if !res.Found || res.Owner {
		t.Fatalf("stranger cancel = %+v, want found but not owner", res)
	}
	if o.Status != book.StatusPending {
		t.Fatal("order must be untouched after rejected cancel")
	}

	// 所有者撤单
	reply = make(chan *CancelResult, 1)
	e.processCancel(&Command{Type: CmdCancelOrder, OrderID: o.ID, UserID: 1, Reply: reply})
	res = <-reply
	if !res.Found || !res.Owner || res.Status != book.StatusCancelled {
		t.Fatalf("owner cancel = %+v", res)
	}
	if b := e.store.Balance(1, "USD"); b.Available != 10000 || b.Locked != 0 {
		t.Fatalf("funds = %+v, want fully released", b)
	}

	// 已终态订单不在簿中
	reply = make(chan *CancelResult, 1)
	e.processCancel(&Command{Type: CmdCancelOrder, OrderID: o.ID, UserID: 1, Reply: reply})
	if res = <-reply; res.Found {
		t.Fatal("canceled order should not be found in book")
	}
}

func TestCancelParkedOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	fund(t, e, 1, "TOKA", 100)

	testOrderID++
	stop := &book.Order{
		ID:              testOrderID,
		UserID:          1,
		Asset:           "TOKA",
		Side:            book.SideSell,
		Type:            book.TypeStopLoss,
		StopPrice:       9500,
		Qty:             100,
		Status:          book.StatusPending,
		LockedAsset:     "TOKA",
		LockedRemaining: 100,
		CreatedAt:       testOrderID,
	}
	e.processNewOrder(stop)
	drain(e)

	reply := make(chan *CancelResult, 1)
	e.processCancel(&Command{Type: CmdCancelOrder, OrderID: stop.ID, UserID: 1, Reply: reply})
	res := <-reply
	if !res.Found || res.Status != book.StatusCancelled {
		t.Fatalf("parked cancel = %+v", res)
	}
	if e.book.ParkedCount() != 0 {
		t.Fatal("parked order should be removed")
	}
	if b := e.store.Balance(1, "TOKA"); b.Available != 100 || b.Locked != 0 {
		t.Fatalf("funds = %+v, want fully released", b)
	}
}

func TestExpireSweep(t *testing.T) {
	e := newTestEngine(t, nil)
	fund(t, e, 1, "USD", 10000)

	o := limitOrder(1, book.SideBuy, 10000, 100)
	o.ExpiresAt = 500
	e.processNewOrder(o)
	drain(e)

	e.processExpireSweep(1000)
	events := drain(e)

	if !hasEvent(events, EventOrderExpired) {
		t.Fatal("expected ORDER_EXPIRED event")
	}
	if o.Status != book.StatusExpired {
		t.Fatalf("status = %v, want EXPIRED", o.Status)
	}
	if b := e.store.Balance(1, "USD"); b.Available != 10000 || b.Locked != 0 {
		t.Fatalf("funds = %+v, want fully released", b)
	}
	if e.book.Get(o.ID) != nil {
		t.Fatal("expired order should leave the book")
	}
}

// 事件序列号单调递增
func TestEventSequenceMonotonic(t *testing.T) {
	e := newTestEngine(t, nil)
	fund(t, e, 1, "USD", 30000)

	for i := 0; i < 3; i++ {
		e.processNewOrder(limitOrder(1, book.SideBuy, 10000, 100))
	}
	events := drain(e)

	var prev int64
	for _, ev := range events {
		if ev.Seq <= prev {
			t.Fatalf("seq %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
}

func TestSubmitQueueFullFailsFast(t *testing.T) {
	e := newTestEngine(t, nil)
	// 引擎未启动，队列填满后应立即报错而不是阻塞

	var err error
	for i := 0; i < cap(e.cmdCh)+1; i++ {
		err = e.Submit(&Command{Type: CmdExpireSweep})
		if err != nil {
			break
		}
	}
	if err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestManager(t *testing.T) {
	reg := registry.New()
	a := testAsset()
	reg.Upsert(&a)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	m := NewManager(
		reg,
		ledger.New(nil, nil),
		compliance.NewGate(compliance.NewStaticSource(compliance.Policy{}), time.Second),
		marketdata.New(),
		node,
		logger.New("test", io.Discard),
	)
	defer m.Stop()

	e1, err := m.Engine("TOKA")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e2, err := m.Engine("TOKA")
	if err != nil || e1 != e2 {
		t.Fatal("same asset must reuse the engine")
	}

	if _, err := m.Engine("NOPE"); err == nil {
		t.Fatal("unknown asset must fail")
	}
	if _, err := m.Lookup("NOPE"); err == nil {
		t.Fatal("lookup of unknown asset must fail")
	}

	if got := m.Assets(); len(got) != 1 || got[0] != "TOKA" {
		t.Fatalf("assets = %v", got)
	}
}

func TestEmitDoesNotDropSettlementWhenChannelFull(t *testing.T) {
	e := newTestEngine(t, nil)

	for i := 0; i < cap(e.eventCh); i++ {
		e.eventCh <- &Event{Type: EventOrderRejected}
	}

	// 结算事件是 executions 表的唯一来源，通道满时必须等待而不是丢弃
	delivered := make(chan struct{})
	go func() {
		e.emit(EventTradeSettled, &Execution{ID: 1})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("emit returned while the channel was still full")
	case <-time.After(50 * time.Millisecond):
	}

	<-e.eventCh

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("emit did not complete after the channel drained")
	}

	// 拒单事件只进行情推送，满了允许丢
	done := make(chan struct{})
	go func() {
		e.emit(EventOrderRejected, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rejected event must not block on a full channel")
	}
}

func TestEmitDurableUnblocksOnStop(t *testing.T) {
	e := newTestEngine(t, nil)

	for i := 0; i < cap(e.eventCh); i++ {
		e.eventCh <- &Event{Type: EventOrderRejected}
	}

	done := make(chan struct{})
	go func() {
		e.emit(EventTradeSettled, &Execution{ID: 2})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	e.cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit must give up once the engine is shut down")
	}
}
