// Package feed 将引擎事件发布到 Redis Streams，供下游行情分发和稽核系统消费。
// 发布是尽力而为：失败计数并记日志，不阻塞撮合事件的落库路径。
package feed

import (
	"context"

	"github.com/tokenmarket/trading-engine/internal/engine"
	"github.com/tokenmarket/trading-engine/internal/metrics"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/redis"
)

const (
	StreamExecutions = "trading:executions"
	StreamOrders     = "trading:orders"

	// 每个 stream 保留的最大消息数
	defaultMaxLen = 100000
	// 每发布多少条做一次裁剪
	trimEvery = 1000
)

// Publisher 事件发布器
type Publisher struct {
	streams *redis.StreamClient
	log     *logger.Logger
	maxLen  int64

	published map[string]int64
}

// NewPublisher 创建发布器
func NewPublisher(streams *redis.StreamClient, log *logger.Logger) *Publisher {
	return &Publisher{
		streams:   streams,
		log:       log.WithComponent("feed"),
		maxLen:    defaultMaxLen,
		published: make(map[string]int64),
	}
}

// envelope 流消息格式
type envelope struct {
	Type      string      `json:"type"`
	Asset     string      `json:"asset"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"ts"`
	Data      interface{} `json:"data"`
}

// Publish 发布单个引擎事件
func (p *Publisher) Publish(ctx context.Context, ev *engine.Event) {
	stream := streamFor(ev.Type)
	if stream == "" {
		return
	}

	msg := &envelope{
		Type:      ev.Type.String(),
		Asset:     ev.Asset,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
	if _, err := p.streams.Publish(ctx, stream, msg); err != nil {
		metrics.IncFeedPublishError(stream)
		p.log.WithError(err).Errorf("feed publish failed", map[string]interface{}{
			"stream": stream,
			"asset":  ev.Asset,
			"seq":    ev.Seq,
		})
		return
	}

	p.published[stream]++
	if p.published[stream]%trimEvery == 0 {
		if err := p.streams.Trim(ctx, stream, p.maxLen); err != nil {
			p.log.WithError(err).Errorf("stream trim failed", map[string]interface{}{
				"stream": stream,
			})
		}
	}
}

// streamFor 事件类型到 stream 的映射。成交走独立流，其余订单生命周期事件合流。
func streamFor(t engine.EventType) string {
	switch t {
	case engine.EventTradeSettled, engine.EventTradeFailed:
		return StreamExecutions
	case engine.EventOrderAccepted, engine.EventOrderCanceled, engine.EventOrderExpired,
		engine.EventOrderTriggered, engine.EventOrderFilled, engine.EventOrderPartiallyFilled,
		engine.EventOrderRejected:
		return StreamOrders
	default:
		return ""
	}
}
