package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	// 订单生命周期
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventOrderAccepted  EventType = "ORDER_ACCEPTED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventOrderCanceled  EventType = "ORDER_CANCELED"
	EventOrderExpired   EventType = "ORDER_EXPIRED"
	EventOrderTriggered EventType = "ORDER_TRIGGERED"

	// 成交与清算
	EventTradeSettled EventType = "TRADE_SETTLED"
	EventTradeFailed  EventType = "TRADE_FAILED"

	// 资金操作
	EventBalanceLocked   EventType = "BALANCE_LOCKED"
	EventBalanceReleased EventType = "BALANCE_RELEASED"
	EventLedgerAlert     EventType = "LEDGER_ALERT"

	// 合规
	EventComplianceDenied EventType = "COMPLIANCE_DENIED"

	// 管理操作
	EventAssetHalted  EventType = "ASSET_HALTED"
	EventAssetResumed EventType = "ASSET_RESUMED"
)

type AuditLog struct {
	ID         int64     `json:"id"`
	EventType  EventType `json:"eventType"`
	UserID     int64     `json:"userId"`
	Asset      string    `json:"asset"`
	IP         string    `json:"ip"`
	Resource   string    `json:"resource"`   // 操作的资源类型
	ResourceID string    `json:"resourceId"` // 资源ID
	Action     string    `json:"action"`
	Params     string    `json:"params"` // JSON格式的参数（脱敏后）
	Result     string    `json:"result"` // SUCCESS/FAILED
	ErrorMsg   string    `json:"errorMsg"`
	Timestamp  int64     `json:"timestamp"`
	RequestID  string    `json:"requestId"`
}

type Logger interface {
	Log(ctx context.Context, log *AuditLog) error
	Query(ctx context.Context, filter *QueryFilter) ([]*AuditLog, error)
}

type QueryFilter struct {
	UserID    int64
	Asset     string
	EventType EventType
	StartTime int64
	EndTime   int64
	Limit     int
	Offset    int
}

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// NewLog 创建审计日志。Timestamp 使用 Unix 毫秒。
func NewLog(eventType EventType, userID int64) *AuditLog {
	return &AuditLog{
		EventType: eventType,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
		Params:    "{}",
	}
}

// WithAsset 设置资产。
func (l *AuditLog) WithAsset(asset string) *AuditLog {
	if l == nil {
		return nil
	}
	l.Asset = asset
	return l
}

// WithIP 设置IP。
func (l *AuditLog) WithIP(ip string) *AuditLog {
	if l == nil {
		return nil
	}
	l.IP = ip
	return l
}

// WithResource 设置资源。
func (l *AuditLog) WithResource(resource, resourceID string) *AuditLog {
	if l == nil {
		return nil
	}
	l.Resource = resource
	l.ResourceID = resourceID
	return l
}

// WithRequestID 设置请求 ID。
func (l *AuditLog) WithRequestID(requestID string) *AuditLog {
	if l == nil {
		return nil
	}
	l.RequestID = requestID
	return l
}

// WithParams 设置参数（自动脱敏敏感字段）。
func (l *AuditLog) WithParams(params map[string]interface{}) *AuditLog {
	if l == nil {
		return nil
	}
	safe := SanitizeParams(params)
	b, err := json.Marshal(safe)
	if err != nil {
		b = []byte("{}")
	}
	l.Params = string(b)
	return l
}

// WithResult 设置结果。
func (l *AuditLog) WithResult(success bool, errMsg string) *AuditLog {
	if l == nil {
		return nil
	}
	if success {
		l.Result = ResultSuccess
		l.ErrorMsg = ""
		return l
	}
	l.Result = ResultFailed
	l.ErrorMsg = errMsg
	return l
}

// SanitizeParams 脱敏敏感参数。
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeParams(typed)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			elemKey := fmt.Sprintf("[%d]", i)
			if m, ok := item.(map[string]interface{}); ok {
				cp = append(cp, SanitizeParams(m))
			} else {
				cp = append(cp, sanitizeValue(elemKey, item))
			}
		}
		return cp
	case string:
		if isAccountKey(key) {
			return maskPreserveEnds(typed, 2, 2)
		}
		return typed
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key") ||
		(k == "key") ||
		strings.HasSuffix(k, "_key")
}

func isAccountKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	return strings.Contains(k, "account") ||
		strings.Contains(k, "tax_id") ||
		strings.Contains(k, "ssn")
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if len(runes) <= prefixKeep+suffixKeep {
		return "***"
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}

// DBLogger 使用 PostgreSQL（database/sql）实现审计日志存储，默认异步写入以避免影响主业务流程。
//
// 说明：
// - 表名固定为 audit_logs（append-only）
// - 应用需自行 import PostgreSQL driver（如 github.com/lib/pq）
type DBLogger struct {
	db *sql.DB

	insertQueue chan *AuditLog
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	skipWorker bool
}

func WithQueueSize(size int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Log() 直接写数据库（不推荐在主链路使用）。
func WithSynchronousWrite() DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.skipWorker = true
	}
}

func NewDBLogger(db *sql.DB, opts ...DBLoggerOption) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbLoggerOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &DBLogger{
		db:      db,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.insertQueue = make(chan *AuditLog, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-l.insertQueue:
					if item == nil {
						continue
					}
					if err := l.insert(ctx, item); err != nil {
						l.onError(err)
					}
				}
			}
		}()
	}

	return l, nil
}

// Close 关闭后台写入协程（可选调用）。
func (l *DBLogger) Close() {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, log *AuditLog) error {
	if l == nil || l.db == nil || log == nil {
		return nil
	}

	// 兜底：确保 Params 为 JSON 字符串
	if strings.TrimSpace(log.Params) == "" {
		log.Params = "{}"
	}
	if log.Timestamp == 0 {
		log.Timestamp = time.Now().UnixMilli()
	}

	if l.insertQueue == nil {
		// 同步写入模式：失败返回错误（调用方可选择忽略）
		return l.insert(ctx, log)
	}

	select {
	case l.insertQueue <- log:
	default:
		// 队列满：通知错误处理器，但不阻塞主流程
		if l.onError != nil {
			l.onError(errors.New("audit: queue full, log dropped"))
		}
	}
	return nil
}

func (l *DBLogger) insert(ctx context.Context, item *AuditLog) error {
	const query = `
INSERT INTO audit_logs (event_type, user_id, asset, ip, resource, resource_id, action, params, result, error_msg, timestamp, request_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := l.db.ExecContext(ctx, query,
		item.EventType,
		item.UserID,
		item.Asset,
		item.IP,
		item.Resource,
		item.ResourceID,
		item.Action,
		item.Params,
		item.Result,
		item.ErrorMsg,
		item.Timestamp,
		item.RequestID,
	)
	return err
}

func (l *DBLogger) Query(ctx context.Context, filter *QueryFilter) ([]*AuditLog, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("audit: db logger not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if filter != nil {
		if filter.UserID != 0 {
			where = append(where, fmt.Sprintf("user_id = $%d", argIdx))
			args = append(args, filter.UserID)
			argIdx++
		}
		if filter.Asset != "" {
			where = append(where, fmt.Sprintf("asset = $%d", argIdx))
			args = append(args, filter.Asset)
			argIdx++
		}
		if filter.EventType != "" {
			where = append(where, fmt.Sprintf("event_type = $%d", argIdx))
			args = append(args, filter.EventType)
			argIdx++
		}
		if filter.StartTime != 0 {
			where = append(where, fmt.Sprintf("timestamp >= $%d", argIdx))
			args = append(args, filter.StartTime)
			argIdx++
		}
		if filter.EndTime != 0 {
			where = append(where, fmt.Sprintf("timestamp <= $%d", argIdx))
			args = append(args, filter.EndTime)
			argIdx++
		}
	}

	query := `
SELECT id, event_type, user_id, asset, ip, resource, resource_id, action, params, result, error_msg, timestamp, request_id
FROM audit_logs
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC, id DESC\n"

	limit := 100
	offset := 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		var item AuditLog
		if err := rows.Scan(
			&item.ID,
			&item.EventType,
			&item.UserID,
			&item.Asset,
			&item.IP,
			&item.Resource,
			&item.ResourceID,
			&item.Action,
			&item.Params,
			&item.Result,
			&item.ErrorMsg,
			&item.Timestamp,
			&item.RequestID,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &item)
	}
	return logs, rows.Err()
}
