// Package ledger 资产账本：可用/冻结余额与全量流水
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/tokenmarket/trading-engine/pkg/errors"
)

// 流水原因
const (
	ReasonDeposit  = "DEPOSIT"
	ReasonWithdraw = "WITHDRAW"
	ReasonLock     = "LOCK"
	ReasonRelease  = "RELEASE"
	ReasonTradeIn  = "TRADE_IN"
	ReasonTradeOut = "TRADE_OUT"
)

// Key 账户键
type Key struct {
	UserID int64
	Asset  string
}

// Balance 余额快照
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

type account struct {
	mu        sync.Mutex
	available int64
	locked    int64
}

// Entry 账本流水，append-only
type Entry struct {
	UserID         int64
	Asset          string
	AvailableDelta int64
	LockedDelta    int64
	AvailableAfter int64
	LockedAfter    int64
	Reason         string
	RefID          string // 订单/成交引用
	IdempotencyKey string
	CreatedAtMs    int64
}

// Journal 流水持久化。实现必须容忍重复 IdempotencyKey（幂等落库）。
type Journal interface {
	Append(ctx context.Context, entries []*Entry) error
}

// Store 内存权威账本。单 (user, asset) 账户内的操作原子，
// 跨账户结算按固定顺序取锁（user-id 小者优先）避免死锁。
type Store struct {
	mu       sync.RWMutex
	accounts map[Key]*account

	journal Journal // 可为 nil（测试）

	onJournalError func(error)
}

// New 创建账本
func New(journal Journal, onJournalError func(error)) *Store {
	if onJournalError == nil {
		onJournalError = func(error) {}
	}
	return &Store{
		accounts:       make(map[Key]*account),
		journal:        journal,
		onJournalError: onJournalError,
	}
}

func (s *Store) acct(k Key) *account {
	s.mu.RLock()
	a, ok := s.accounts[k]
	s.mu.RUnlock()
	if ok {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.accounts[k]; ok {
		return a
	}
	a = &account{}
	s.accounts[k] = a
	return a
}

// Restore 启动恢复时直接写入余额快照，不产生流水。
// 仅在引擎接收命令之前调用。
func (s *Store) Restore(userID int64, asset string, available, locked int64) {
	a := s.acct(Key{UserID: userID, Asset: asset})
	a.mu.Lock()
	a.available = available
	a.locked = locked
	a.mu.Unlock()
}

// Balance 读取余额快照
func (s *Store) Balance(userID int64, asset string) Balance {
	a := s.acct(Key{UserID: userID, Asset: asset})
	a.mu.Lock()
	defer a.mu.Unlock()
	return Balance{Available: a.available, Locked: a.locked}
}

// UserBalances 某用户全部资产的余额快照
func (s *Store) UserBalances(userID int64) map[string]Balance {
	s.mu.RLock()
	keys := make([]Key, 0)
	for k := range s.accounts {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	out := make(map[string]Balance, len(keys))
	for _, k := range keys {
		out[k.Asset] = s.Balance(k.UserID, k.Asset)
	}
	return out
}

// Deposit 外部入金，增加可用余额
func (s *Store) Deposit(ctx context.Context, userID int64, asset string, amount int64, refID string) error {
	if amount <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidParam, "deposit amount must be positive, got %d", amount)
	}

	a := s.acct(Key{UserID: userID, Asset: asset})
	a.mu.Lock()
	a.available += amount
	entry := s.entryLocked(a, userID, asset, amount, 0, ReasonDeposit, refID)
	a.mu.Unlock()

	s.append(ctx, entry)
	return nil
}

// Withdraw 外部出金，扣减可用余额。冻结中的资金不可提取
func (s *Store) Withdraw(ctx context.Context, userID int64, asset string, amount int64, refID string) error {
	if amount <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidParam, "withdraw amount must be positive, got %d", amount)
	}

	a := s.acct(Key{UserID: userID, Asset: asset})
	a.mu.Lock()
	if a.available < amount {
		a.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInsufficientBalance,
			"insufficient balance: user=%d asset=%s need=%d have=%d", userID, asset, amount, a.available)
	}
	a.available -= amount
	entry := s.entryLocked(a, userID, asset, -amount, 0, ReasonWithdraw, refID)
	a.mu.Unlock()

	s.append(ctx, entry)
	return nil
}

// Lock 检查并冻结：available → locked，检查与扣减在同一账户锁内完成
func (s *Store) Lock(ctx context.Context, userID int64, asset string, amount int64, refID string) error {
	if amount <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidParam, "lock amount must be positive, got %d", amount)
	}

	a := s.acct(Key{UserID: userID, Asset: asset})
	a.mu.Lock()
	if a.available < amount {
		a.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInsufficientBalance,
			"insufficient balance: user=%d asset=%s need=%d have=%d", userID, asset, amount, a.available)
	}
	a.available -= amount
	a.locked += amount
	entry := s.entryLocked(a, userID, asset, -amount, amount, ReasonLock, refID)
	a.mu.Unlock()

	s.append(ctx, entry)
	return nil
}

// Release 解冻：locked → available
func (s *Store) Release(ctx context.Context, userID int64, asset string, amount int64, refID string) error {
	if amount <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidParam, "release amount must be positive, got %d", amount)
	}

	a := s.acct(Key{UserID: userID, Asset: asset})
	a.mu.Lock()
	if a.locked < amount {
		a.mu.Unlock()
		return apperrors.Newf(apperrors.CodeInsufficientLocked,
			"insufficient locked: user=%d asset=%s need=%d have=%d", userID, asset, amount, a.locked)
	}
	a.locked -= amount
	a.available += amount
	entry := s.entryLocked(a, userID, asset, amount, -amount, ReasonRelease, refID)
	a.mu.Unlock()

	s.append(ctx, entry)
	return nil
}

// Transfer 单腿划转：扣减 from 的冻结，增加 to 的可用。
// 两个账户按固定顺序取锁，校验失败则任何一方都不变。
func (s *Store) Transfer(ctx context.Context, fromUser, toUser int64, asset string, amount int64, refID string) error {
	if amount <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidParam, "transfer amount must be positive, got %d", amount)
	}

	from := Key{UserID: fromUser, Asset: asset}
	to := Key{UserID: toUser, Asset: asset}
	unlock := s.lockAll(from, to)
	defer unlock()

	fa := s.acct(from)
	ta := s.acct(to)
	if fa.locked < amount {
		return apperrors.Newf(apperrors.CodeInsufficientLocked,
			"insufficient locked: user=%d asset=%s need=%d have=%d", fromUser, asset, amount, fa.locked)
	}

	fa.locked -= amount
	ta.available += amount

	entries := []*Entry{
		s.entryLocked(fa, fromUser, asset, 0, -amount, ReasonTradeOut, refID),
		s.entryLocked(ta, toUser, asset, amount, 0, ReasonTradeIn, refID),
	}
	s.append(ctx, entries...)
	return nil
}

// Settlement 一笔成交的清算指令
type Settlement struct {
	TradeID    int64
	Asset      string // 基础资产
	QuoteAsset string // 计价资产
	BuyerID    int64
	SellerID   int64
	Qty        int64 // 基础资产最小单位
	Notional   int64 // 计价资产最小单位，成交价 × 数量
	// 买方价格改善：冻结额按委托价计提，成交价更优时的差额，
	// 随结算一并解冻回可用余额
	QuoteRefund int64
}

// SettleTrade 清算一笔成交：
//
//	买方 quote.locked −(Notional+QuoteRefund)，quote.available +QuoteRefund
//	卖方 quote.available +Notional
//	卖方 base.locked −Qty
//	买方 base.available +Qty
//
// 四个账户锁按全局顺序获取，全部校验通过后才执行任何变更。
func (s *Store) SettleTrade(ctx context.Context, st Settlement) error {
	if st.Qty <= 0 || st.Notional < 0 || st.QuoteRefund < 0 {
		return apperrors.Newf(apperrors.CodeInvalidParam,
			"invalid settlement: qty=%d notional=%d refund=%d", st.Qty, st.Notional, st.QuoteRefund)
	}
	if st.BuyerID == st.SellerID {
		return apperrors.Newf(apperrors.CodeInvalidParam, "self settlement: user=%d", st.BuyerID)
	}

	buyerQuote := Key{UserID: st.BuyerID, Asset: st.QuoteAsset}
	buyerBase := Key{UserID: st.BuyerID, Asset: st.Asset}
	sellerQuote := Key{UserID: st.SellerID, Asset: st.QuoteAsset}
	sellerBase := Key{UserID: st.SellerID, Asset: st.Asset}

	unlock := s.lockAll(buyerQuote, buyerBase, sellerQuote, sellerBase)
	defer unlock()

	bq := s.acct(buyerQuote)
	bb := s.acct(buyerBase)
	sq := s.acct(sellerQuote)
	sb := s.acct(sellerBase)

	quoteDebit := st.Notional + st.QuoteRefund
	if bq.locked < quoteDebit {
		return apperrors.Newf(apperrors.CodeInsufficientLocked,
			"settle trade %d: buyer %d locked %s %d < %d", st.TradeID, st.BuyerID, st.QuoteAsset, bq.locked, quoteDebit)
	}
	if sb.locked < st.Qty {
		return apperrors.Newf(apperrors.CodeInsufficientLocked,
			"settle trade %d: seller %d locked %s %d < %d", st.TradeID, st.SellerID, st.Asset, sb.locked, st.Qty)
	}

	bq.locked -= quoteDebit
	bq.available += st.QuoteRefund
	sq.available += st.Notional
	sb.locked -= st.Qty
	bb.available += st.Qty

	ref := fmt.Sprintf("%d", st.TradeID)
	entries := []*Entry{
		s.entryLocked(bq, st.BuyerID, st.QuoteAsset, st.QuoteRefund, -quoteDebit, ReasonTradeOut, ref),
		s.entryLocked(sq, st.SellerID, st.QuoteAsset, st.Notional, 0, ReasonTradeIn, ref),
		s.entryLocked(sb, st.SellerID, st.Asset, 0, -st.Qty, ReasonTradeOut, ref),
		s.entryLocked(bb, st.BuyerID, st.Asset, st.Qty, 0, ReasonTradeIn, ref),
	}
	entries[0].IdempotencyKey = fmt.Sprintf("settle:%d:buyer:quote", st.TradeID)
	entries[1].IdempotencyKey = fmt.Sprintf("settle:%d:seller:quote", st.TradeID)
	entries[2].IdempotencyKey = fmt.Sprintf("settle:%d:seller:base", st.TradeID)
	entries[3].IdempotencyKey = fmt.Sprintf("settle:%d:buyer:base", st.TradeID)

	s.append(ctx, entries...)
	return nil
}

// lockAll 去重后按 (UserID, Asset) 升序取锁，返回逆序释放函数
func (s *Store) lockAll(keys ...Key) func() {
	uniq := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}

	sort.Slice(uniq, func(i, j int) bool {
		if uniq[i].UserID != uniq[j].UserID {
			return uniq[i].UserID < uniq[j].UserID
		}
		return uniq[i].Asset < uniq[j].Asset
	})

	accts := make([]*account, len(uniq))
	for i, k := range uniq {
		accts[i] = s.acct(k)
		accts[i].mu.Lock()
	}

	return func() {
		for i := len(accts) - 1; i >= 0; i-- {
			accts[i].mu.Unlock()
		}
	}
}

// entryLocked 在持有账户锁时生成流水（带 *_after 余额）
func (s *Store) entryLocked(a *account, userID int64, asset string, availDelta, lockedDelta int64, reason, refID string) *Entry {
	return &Entry{
		UserID:         userID,
		Asset:          asset,
		AvailableDelta: availDelta,
		LockedDelta:    lockedDelta,
		AvailableAfter: a.available,
		LockedAfter:    a.locked,
		Reason:         reason,
		RefID:          refID,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}

func (s *Store) append(ctx context.Context, entries ...*Entry) {
	if s.journal == nil || len(entries) == 0 {
		return
	}
	if err := s.journal.Append(ctx, entries); err != nil {
		s.onJournalError(err)
	}
}
