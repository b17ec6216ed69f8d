package service

import (
	"context"
	"strconv"
	"time"

	"github.com/tokenmarket/trading-engine/internal/book"
	"github.com/tokenmarket/trading-engine/internal/engine"
	"github.com/tokenmarket/trading-engine/internal/marketdata"
	"github.com/tokenmarket/trading-engine/internal/metrics"
	"github.com/tokenmarket/trading-engine/internal/ws"
	"github.com/tokenmarket/trading-engine/pkg/audit"
	"github.com/tokenmarket/trading-engine/pkg/logger"
)

// FeedPublisher 外部事件流出口
type FeedPublisher interface {
	Publish(ctx context.Context, ev *engine.Event)
}

// Dispatcher 引擎事件分发：落库、推送、审计。
// 单 goroutine 消费合并事件流，落库失败记日志重试不阻塞推送。
type Dispatcher struct {
	engines *engine.Manager
	orders  OrderStore
	execs   ExecutionStore
	md      *marketdata.Aggregator
	feed    FeedPublisher
	broker  *ws.Broker
	auditor AuditSink
	log     *logger.Logger
}

// NewDispatcher 创建分发器。feed、broker、auditor 均可为 nil。
func NewDispatcher(engines *engine.Manager, orders OrderStore, execs ExecutionStore,
	md *marketdata.Aggregator, feed FeedPublisher, broker *ws.Broker,
	auditor AuditSink, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		engines: engines,
		orders:  orders,
		execs:   execs,
		md:      md,
		feed:    feed,
		broker:  broker,
		auditor: auditor,
		log:     log.WithComponent("dispatcher"),
	}
}

// Run 消费事件直到上下文取消或事件流关闭
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.engines.Events():
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *engine.Event) {
	switch ev.Type {
	case engine.EventTradeSettled, engine.EventTradeFailed:
		d.onExecution(ctx, ev)
	case engine.EventOrderAccepted, engine.EventOrderCanceled, engine.EventOrderExpired,
		engine.EventOrderTriggered, engine.EventOrderFilled, engine.EventOrderPartiallyFilled:
		d.onOrderEvent(ctx, ev)
	}

	if d.feed != nil {
		d.feed.Publish(ctx, ev)
	}
}

func (d *Dispatcher) onExecution(ctx context.Context, ev *engine.Event) {
	exec, ok := ev.Data.(*engine.Execution)
	if !ok {
		return
	}

	if err := d.execs.CreateExecution(ctx, exec); err != nil {
		d.log.WithError(err).Errorf("persist execution failed", map[string]interface{}{
			"executionId": exec.ID,
		})
	}

	if d.auditor != nil {
		eventType := audit.EventTradeSettled
		if exec.SettlementStatus == engine.SettlementFailed {
			eventType = audit.EventTradeFailed
		}
		_ = d.auditor.Log(ctx, audit.NewLog(eventType, exec.BuyerID).
			WithAsset(exec.Asset).
			WithResource("execution", formatID(exec.ID)).
			WithParams(map[string]interface{}{
				"price": exec.Price, "qty": exec.Qty,
				"seller": exec.SellerID, "flags": exec.ComplianceFlags,
			}).
			WithResult(exec.SettlementStatus == engine.SettlementSettled, ""))
	}

	if d.broker == nil || exec.SettlementStatus != engine.SettlementSettled {
		return
	}

	d.broker.Publish("market."+exec.Asset+".trades", map[string]interface{}{
		"id":    exec.ID,
		"price": exec.Price,
		"qty":   exec.Qty,
		"side":  exec.TakerSide.String(),
		"ts":    exec.CreatedAtMs,
	})
	if ticker, ok := d.md.Snapshot(exec.Asset); ok {
		d.broker.Publish("market."+exec.Asset+".ticker", ticker)
	}
	d.publishDepth(exec.Asset)
}

func (d *Dispatcher) onOrderEvent(ctx context.Context, ev *engine.Event) {
	data, ok := ev.Data.(*engine.OrderEventData)
	if !ok {
		return
	}

	if err := d.orders.UpdateOrder(ctx, data.OrderID, data.Status, data.FilledQty,
		data.Reason, time.Now().UnixMilli()); err != nil {
		d.log.WithError(err).Errorf("persist order update failed", map[string]interface{}{
			"orderId": data.OrderID,
			"event":   ev.Type.String(),
		})
	}

	// 挂单变化影响深度
	if d.broker != nil {
		switch ev.Type {
		case engine.EventOrderAccepted, engine.EventOrderCanceled, engine.EventOrderExpired:
			d.publishDepth(ev.Asset)
		}
	}
}

func (d *Dispatcher) publishDepth(asset string) {
	eng, err := d.engines.Lookup(asset)
	if err != nil {
		return
	}
	bids, asks := eng.Book().Depth(20)
	metrics.SetOrderbookDepth(asset, book.SideBuy.String(), float64(len(bids)))
	metrics.SetOrderbookDepth(asset, book.SideSell.String(), float64(len(asks)))
	d.broker.Publish("market."+asset+".depth", map[string]interface{}{
		"bids": bids,
		"asks": asks,
	})
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
