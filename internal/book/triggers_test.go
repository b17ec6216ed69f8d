package book

import (
	"testing"
)

func parkedOrder(id int64, side Side, typ OrderType, stop int64) *Order {
	return &Order{
		ID:        id,
		UserID:    100,
		Asset:     "SOLAR-A",
		Side:      side,
		Type:      typ,
		StopPrice: stop,
		Qty:       10,
		Status:    StatusPending,
	}
}

func TestTriggerDirections(t *testing.T) {
	tests := []struct {
		name      string
		side      Side
		typ       OrderType
		stop      int64
		lastPrice int64
		fired     bool
	}{
		{"stop-loss sell fires on drop", SideSell, TypeStopLoss, 500, 499, true},
		{"stop-loss sell holds above", SideSell, TypeStopLoss, 500, 501, false},
		{"stop-loss buy fires on rise", SideBuy, TypeStopLoss, 500, 500, true},
		{"stop-loss buy holds below", SideBuy, TypeStopLoss, 500, 499, false},
		{"take-profit sell fires on rise", SideSell, TypeTakeProfit, 500, 505, true},
		{"take-profit sell holds below", SideSell, TypeTakeProfit, 500, 495, false},
		{"take-profit buy fires on drop", SideBuy, TypeTakeProfit, 500, 495, true},
		{"take-profit buy holds above", SideBuy, TypeTakeProfit, 500, 505, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("SOLAR-A")
			b.Park(parkedOrder(1, tt.side, tt.typ, tt.stop))

			fired := b.CheckTriggers(tt.lastPrice)
			if (len(fired) == 1) != tt.fired {
				t.Errorf("fired=%d, want fired=%v", len(fired), tt.fired)
			}
			if tt.fired && b.ParkedCount() != 0 {
				t.Error("triggered order should leave parked area")
			}
			if !tt.fired && b.ParkedCount() != 1 {
				t.Error("untriggered order should stay parked")
			}
		})
	}
}

func TestRemoveParked(t *testing.T) {
	b := New("SOLAR-A")
	b.Park(parkedOrder(1, SideSell, TypeStopLoss, 400))

	if o := b.RemoveParked(1); o == nil || o.ID != 1 {
		t.Fatal("RemoveParked should return the order")
	}
	if b.RemoveParked(1) != nil {
		t.Error("second RemoveParked should return nil")
	}
}

func TestCheckTriggersNoPrice(t *testing.T) {
	b := New("SOLAR-A")
	b.Park(parkedOrder(1, SideSell, TypeStopLoss, 400))

	if fired := b.CheckTriggers(0); fired != nil {
		t.Errorf("no trades yet, nothing should fire, got %d", len(fired))
	}
}
