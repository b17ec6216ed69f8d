package feed

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tokenmarket/trading-engine/internal/engine"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/redis"
)

func newTestPublisher(t *testing.T) (*Publisher, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewPublisher(redis.NewStreamClient(client), logger.New("test", io.Discard)), client
}

func TestPublishExecution(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	p.Publish(ctx, &engine.Event{
		Type:      engine.EventTradeSettled,
		Asset:     "TOKA",
		Seq:       1,
		Timestamp: 1,
		Data: &engine.Execution{
			ID:               9001,
			Asset:            "TOKA",
			Price:            10000,
			Qty:              100,
			SettlementStatus: engine.SettlementSettled,
		},
	})

	msgs, err := client.XRange(ctx, StreamExecutions, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream len = %d, want 1", len(msgs))
	}

	var env struct {
		Type string `json:"type"`
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	raw, _ := msgs[0].Values["data"].(string)
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "TRADE_SETTLED" || env.Data.ID != 9001 {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestOrderEventsGoToOrderStream(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	p.Publish(ctx, &engine.Event{
		Type:  engine.EventOrderAccepted,
		Asset: "TOKA",
		Seq:   1,
		Data:  &engine.OrderEventData{OrderID: 1},
	})

	if n, _ := client.XLen(ctx, StreamOrders).Result(); n != 1 {
		t.Fatalf("order stream len = %d, want 1", n)
	}
	if n, _ := client.XLen(ctx, StreamExecutions).Result(); n != 0 {
		t.Fatal("execution stream must stay empty")
	}
}
