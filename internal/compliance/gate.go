// Package compliance 成交前合规闸门。任何不确定状态（超时、规则源不可用）
// 一律拒绝，绝不放行。
package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// 合规标记，记录在结算/失败的成交上
const (
	FlagUserBlocked   = "USER_BLOCKED"
	FlagJurisdiction  = "JURISDICTION_RESTRICTED"
	FlagNotionalLimit = "NOTIONAL_LIMIT_EXCEEDED"
	FlagPolicyTimeout = "POLICY_TIMEOUT"
	FlagPolicyUnavail = "POLICY_UNAVAILABLE"
	FlagManualReview  = "MANUAL_REVIEW_REQUIRED"
)

// RiskTierManualReview 达到该风险等级的用户成交一律转人工审核
const RiskTierManualReview = 3

// Candidate 待审批的候选成交
type Candidate struct {
	ExecutionID  int64
	Asset        string
	BuyerID      int64
	SellerID     int64
	TakerOrderID int64
	MakerOrderID int64
	Price        int64
	Qty          int64
	Notional     int64 // 计价资产最小单位
}

// Decision 审批结果。拒绝时 Flags 说明原因并随成交记录持久化。
type Decision struct {
	Approved bool
	Flags    []string
}

// Policy 单用户的合规画像
type Policy struct {
	Blocked          bool
	Jurisdiction     string
	RiskTier         int
	MaxTradeNotional int64 // 单笔名义价值上限，0 表示不限
}

// PolicySource 规则源。外部规则服务实现此接口时不需要自带超时，
// 闸门统一施加时间上限。
type PolicySource interface {
	Policy(ctx context.Context, userID int64) (*Policy, error)
}

// Gate 合规闸门
type Gate struct {
	source  PolicySource
	timeout time.Duration

	mu sync.RWMutex
	// 资产 -> 允许的司法辖区集合，未配置的资产不限制
	jurisdictions map[string]map[string]struct{}
}

func NewGate(source PolicySource, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Gate{
		source:        source,
		timeout:       timeout,
		jurisdictions: make(map[string]map[string]struct{}),
	}
}

// RestrictAsset 限定某资产仅允许给定司法辖区交易
func (g *Gate) RestrictAsset(asset string, allowed ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := make(map[string]struct{}, len(allowed))
	for _, j := range allowed {
		set[j] = struct{}{}
	}
	g.jurisdictions[asset] = set
}

func (g *Gate) allowedIn(asset, jurisdiction string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set, restricted := g.jurisdictions[asset]
	if !restricted {
		return true
	}
	_, ok := set[jurisdiction]
	return ok
}

type policyResult struct {
	buyer  *Policy
	seller *Policy
	err    error
}

// Evaluate 同步审批一笔候选成交。规则源调用带超时，
// 超时或出错按拒绝处理（fail-closed）。
func (g *Gate) Evaluate(ctx context.Context, cand *Candidate) Decision {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resCh := make(chan policyResult, 1)
	go func() {
		var res policyResult
		res.buyer, res.err = g.source.Policy(ctx, cand.BuyerID)
		if res.err == nil {
			res.seller, res.err = g.source.Policy(ctx, cand.SellerID)
		}
		resCh <- res
	}()

	var res policyResult
	select {
	case <-ctx.Done():
		return Decision{Flags: []string{FlagPolicyTimeout}}
	case res = <-resCh:
	}
	if res.err != nil {
		return Decision{Flags: []string{FlagPolicyUnavail}}
	}

	var flags []string
	for _, p := range []struct {
		policy *Policy
		userID int64
	}{{res.buyer, cand.BuyerID}, {res.seller, cand.SellerID}} {
		if p.policy.Blocked {
			flags = append(flags, fmt.Sprintf("%s:%d", FlagUserBlocked, p.userID))
			continue
		}
		if !g.allowedIn(cand.Asset, p.policy.Jurisdiction) {
			flags = append(flags, fmt.Sprintf("%s:%d", FlagJurisdiction, p.userID))
		}
		if p.policy.MaxTradeNotional > 0 && cand.Notional > p.policy.MaxTradeNotional {
			flags = append(flags, fmt.Sprintf("%s:%d", FlagNotionalLimit, p.userID))
		}
		if p.policy.RiskTier >= RiskTierManualReview {
			flags = append(flags, fmt.Sprintf("%s:%d", FlagManualReview, p.userID))
		}
	}

	if len(flags) > 0 {
		return Decision{Flags: flags}
	}
	return Decision{Approved: true}
}
