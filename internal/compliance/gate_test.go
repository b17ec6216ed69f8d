package compliance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func candidate() *Candidate {
	return &Candidate{
		ExecutionID: 1,
		Asset:       "SOLAR-A",
		BuyerID:     2,
		SellerID:    1,
		Price:       500,
		Qty:         10,
		Notional:    5000,
	}
}

func TestApproveClean(t *testing.T) {
	g := NewGate(NewStaticSource(Policy{Jurisdiction: "US"}), time.Second)

	d := g.Evaluate(context.Background(), candidate())
	if !d.Approved {
		t.Fatalf("clean candidate denied: %v", d.Flags)
	}
	if len(d.Flags) != 0 {
		t.Errorf("approved decision carries flags: %v", d.Flags)
	}
}

func TestDenyBlockedUser(t *testing.T) {
	src := NewStaticSource(Policy{Jurisdiction: "US"})
	src.Set(2, Policy{Blocked: true})
	g := NewGate(src, time.Second)

	d := g.Evaluate(context.Background(), candidate())
	if d.Approved {
		t.Fatal("blocked buyer should be denied")
	}
	if len(d.Flags) != 1 || !strings.HasPrefix(d.Flags[0], FlagUserBlocked) {
		t.Errorf("flags = %v, want USER_BLOCKED", d.Flags)
	}
}

func TestDenyJurisdiction(t *testing.T) {
	src := NewStaticSource(Policy{Jurisdiction: "US"})
	src.Set(1, Policy{Jurisdiction: "KP"})
	g := NewGate(src, time.Second)
	g.RestrictAsset("SOLAR-A", "US", "EU")

	d := g.Evaluate(context.Background(), candidate())
	if d.Approved {
		t.Fatal("restricted jurisdiction should be denied")
	}
	if !strings.HasPrefix(d.Flags[0], FlagJurisdiction) {
		t.Errorf("flags = %v, want JURISDICTION_RESTRICTED", d.Flags)
	}
}

func TestDenyNotionalLimit(t *testing.T) {
	src := NewStaticSource(Policy{Jurisdiction: "US", MaxTradeNotional: 1000})
	g := NewGate(src, time.Second)

	d := g.Evaluate(context.Background(), candidate())
	if d.Approved {
		t.Fatal("over-limit notional should be denied")
	}
	// 双方都是默认画像，两条限额标记
	if len(d.Flags) != 2 {
		t.Errorf("flags = %v, want two NOTIONAL_LIMIT flags", d.Flags)
	}
}

func TestDenyHighRiskTier(t *testing.T) {
	src := NewStaticSource(Policy{Jurisdiction: "US"})
	src.Set(2, Policy{Jurisdiction: "US", RiskTier: RiskTierManualReview})
	g := NewGate(src, time.Second)

	d := g.Evaluate(context.Background(), candidate())
	if d.Approved {
		t.Fatal("high risk tier should be routed to manual review")
	}
	if len(d.Flags) != 1 || !strings.HasPrefix(d.Flags[0], FlagManualReview) {
		t.Errorf("flags = %v, want MANUAL_REVIEW_REQUIRED", d.Flags)
	}
}

func TestRiskTierBelowThresholdApproved(t *testing.T) {
	src := NewStaticSource(Policy{Jurisdiction: "US", RiskTier: RiskTierManualReview - 1})
	g := NewGate(src, time.Second)

	if d := g.Evaluate(context.Background(), candidate()); !d.Approved {
		t.Fatalf("sub-threshold risk tier denied: %v", d.Flags)
	}
}

type slowSource struct{ delay time.Duration }

func (s *slowSource) Policy(ctx context.Context, _ int64) (*Policy, error) {
	select {
	case <-time.After(s.delay):
		return &Policy{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestFailClosedOnTimeout(t *testing.T) {
	g := NewGate(&slowSource{delay: time.Second}, 20*time.Millisecond)

	start := time.Now()
	d := g.Evaluate(context.Background(), candidate())
	if d.Approved {
		t.Fatal("timeout must deny, never approve")
	}
	if d.Flags[0] != FlagPolicyTimeout {
		t.Errorf("flags = %v, want POLICY_TIMEOUT", d.Flags)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("evaluate did not respect timeout bound")
	}
}

type failingSource struct{}

func (failingSource) Policy(context.Context, int64) (*Policy, error) {
	return nil, errors.New("rules backend down")
}

func TestFailClosedOnError(t *testing.T) {
	g := NewGate(failingSource{}, time.Second)

	d := g.Evaluate(context.Background(), candidate())
	if d.Approved {
		t.Fatal("source error must deny")
	}
	if d.Flags[0] != FlagPolicyUnavail {
		t.Errorf("flags = %v, want POLICY_UNAVAILABLE", d.Flags)
	}
}
