package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/engine"
	"github.com/tokenmarket/trading-engine/internal/ws"
	"github.com/tokenmarket/trading-engine/pkg/logger"
)

type memFeed struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (m *memFeed) Publish(_ context.Context, ev *engine.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memFeed) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newDispatcherFixture(t *testing.T) (*fixture, *Dispatcher, *memFeed, *ws.Broker) {
	t.Helper()
	f := newFixture(t)
	feed := &memFeed{}
	broker := ws.NewBroker()
	d := NewDispatcher(f.mgr, f.orders, f.execs, f.md, feed, broker, nil, logger.New("test", io.Discard))
	return f, d, feed, broker
}

func TestDispatchTradeSettled(t *testing.T) {
	f, d, feed, broker := newDispatcherFixture(t)
	ctx := context.Background()

	tradeCh := broker.Subscribe("market.TOKA.trades")
	defer broker.Unsubscribe("market.TOKA.trades", tradeCh)

	exec := &engine.Execution{
		ID: 9001, Asset: "TOKA", BuyerID: 1, SellerID: 2,
		TakerOrderID: 11, MakerOrderID: 12, TakerSide: book.SideBuy,
		Price: 10000, Qty: 100, Notional: 10000,
		SettlementStatus: engine.SettlementSettled, CreatedAtMs: time.Now().UnixMilli(),
	}
	d.dispatch(ctx, &engine.Event{
		Type: engine.EventTradeSettled, Asset: "TOKA", Seq: 1,
		Timestamp: time.Now().UnixNano(), Data: exec,
	})

	// 成交落库
	got, err := f.execs.ListByOrder(ctx, 11)
	if err != nil || len(got) != 1 || got[0].ID != 9001 {
		t.Fatalf("executions = %v, %v", got, err)
	}
	// 推送到成交频道
	select {
	case raw := <-tradeCh:
		var msg struct {
			ID    int64  `json:"id"`
			Price int64  `json:"price"`
			Side  string `json:"side"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal trade: %v", err)
		}
		if msg.ID != 9001 || msg.Price != 10000 || msg.Side != "BUY" {
			t.Fatalf("trade = %+v", msg)
		}
	default:
		t.Fatal("no trade broadcast")
	}
	// 事件总线收到
	if feed.count() != 1 {
		t.Fatalf("feed events = %d, want 1", feed.count())
	}
}

func TestDispatchTradeFailedNotBroadcast(t *testing.T) {
	f, d, _, broker := newDispatcherFixture(t)
	ctx := context.Background()

	tradeCh := broker.Subscribe("market.TOKA.trades")
	defer broker.Unsubscribe("market.TOKA.trades", tradeCh)

	exec := &engine.Execution{
		ID: 9002, Asset: "TOKA", BuyerID: 1, SellerID: 2,
		TakerOrderID: 21, MakerOrderID: 22, TakerSide: book.SideBuy,
		Price: 10000, Qty: 100, Notional: 10000,
		SettlementStatus: engine.SettlementFailed,
		ComplianceFlags:  []string{"USER_BLOCKED"},
	}
	d.dispatch(ctx, &engine.Event{
		Type: engine.EventTradeFailed, Asset: "TOKA", Seq: 1, Data: exec,
	})

	// 失败成交仍落库留痕
	got, err := f.execs.ListByOrder(ctx, 21)
	if err != nil || len(got) != 1 {
		t.Fatalf("executions = %v, %v", got, err)
	}
	// 但绝不对外广播
	select {
	case <-tradeCh:
		t.Fatal("failed trade must not be broadcast")
	default:
	}
}

func TestDispatchOrderStatusUpdate(t *testing.T) {
	f, d, feed, _ := newDispatcherFixture(t)
	ctx := context.Background()

	o := &book.Order{ID: 31, UserID: 1, Asset: "TOKA", Side: book.SideBuy,
		Type: book.TypeLimit, Price: 10000, Qty: 100, Status: book.StatusPending,
		LockedAsset: "USD", CommitPrice: 10000}
	if err := f.orders.CreateOrder(ctx, o, time.Now().UnixMilli()); err != nil {
		t.Fatalf("create: %v", err)
	}

	d.dispatch(ctx, &engine.Event{
		Type: engine.EventOrderCanceled, Asset: "TOKA", Seq: 2,
		Data: &engine.OrderEventData{
			OrderID: 31, UserID: 1, Side: book.SideBuy,
			Status: book.StatusCancelled, Reason: "USER_CANCELED",
		},
	})

	row, err := f.orders.GetOrder(ctx, 31)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != int(book.StatusCancelled) || row.Reason != "USER_CANCELED" {
		t.Fatalf("row = %+v", row)
	}
	if feed.count() != 1 {
		t.Fatalf("feed events = %d, want 1", feed.count())
	}
}

func TestDispatchRunStopsOnContextCancel(t *testing.T) {
	_, d, _, _ := newDispatcherFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
