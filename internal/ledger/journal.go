package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tokenmarket/trading-engine/pkg/snowflake"
)

// DBJournal 将账本流水异步写入 PostgreSQL。
// 内存账本是权威状态，流水用于审计和对账；落库失败不回滚内存，
// 通过错误回调上报，由对账任务兜底发现缺口。
type DBJournal struct {
	db    *sql.DB
	idGen *snowflake.Node

	queue   chan []*Entry
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	onError func(error)

	sync bool // 同步写入模式，测试用
}

type JournalOption func(*DBJournal)

func WithJournalErrorHandler(fn func(error)) JournalOption {
	return func(j *DBJournal) {
		if fn != nil {
			j.onError = fn
		}
	}
}

// WithSynchronousJournal Append 直接落库并返回错误
func WithSynchronousJournal() JournalOption {
	return func(j *DBJournal) {
		j.sync = true
	}
}

func NewDBJournal(db *sql.DB, idGen *snowflake.Node, opts ...JournalOption) (*DBJournal, error) {
	if db == nil {
		return nil, errors.New("ledger: db is nil")
	}
	if idGen == nil {
		return nil, errors.New("ledger: id generator is nil")
	}

	j := &DBJournal{
		db:      db,
		idGen:   idGen,
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(j)
	}

	if j.sync {
		return j, nil
	}

	j.queue = make(chan []*Entry, 8192)

	// 流水是重启恢复的唯一余额来源，写入不能被关闭打断：
	// worker 用独立的后台 context，Close 只关闭队列并等待排空。
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for batch := range j.queue {
			if err := j.insert(context.Background(), batch); err != nil {
				j.onError(err)
			}
		}
	}()

	return j, nil
}

// Close 拒绝新批次，排空队列并等待在途写入完成
func (j *DBJournal) Close() {
	if j == nil || j.queue == nil {
		return
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	close(j.queue)
	j.wg.Wait()
}

func (j *DBJournal) Append(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	if j.queue == nil {
		return j.insert(ctx, entries)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return errors.New("ledger: journal closed")
	}

	select {
	case j.queue <- entries:
		return nil
	default:
		return errors.New("ledger: journal queue full")
	}
}

func (j *DBJournal) insert(ctx context.Context, entries []*Entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO trading.ledger_entries
		(ledger_id, idempotency_key, user_id, asset, available_delta, locked_delta,
		 available_after, locked_after, reason, ref_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING`

	for _, e := range entries {
		ledgerID, err := j.idGen.Next()
		if err != nil {
			return err
		}
		key := e.IdempotencyKey
		if key == "" {
			key = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, query,
			ledgerID, key, e.UserID, e.Asset,
			e.AvailableDelta, e.LockedDelta,
			e.AvailableAfter, e.LockedAfter,
			e.Reason, e.RefID, e.CreatedAtMs,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListEntries 按用户和资产倒序读取流水（审计查询）
func (j *DBJournal) ListEntries(ctx context.Context, userID int64, asset string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT user_id, asset, available_delta, locked_delta,
		       available_after, locked_after, reason, ref_id, idempotency_key, created_at_ms
		FROM trading.ledger_entries
		WHERE user_id = $1 AND asset = $2
		ORDER BY ledger_id DESC
		LIMIT $3`

	rows, err := j.db.QueryContext(ctx, query, userID, asset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.UserID, &e.Asset, &e.AvailableDelta, &e.LockedDelta,
			&e.AvailableAfter, &e.LockedAfter, &e.Reason, &e.RefID,
			&e.IdempotencyKey, &e.CreatedAtMs,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
