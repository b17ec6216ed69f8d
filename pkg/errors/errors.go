// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"
	CodeSystemBusy     Code = "SYSTEM_BUSY"

	// 交易 (4xxx)
	CodeAssetNotFound          Code = "ASSET_NOT_FOUND"
	CodeAssetNotTradable       Code = "ASSET_NOT_TRADABLE"
	CodeInvalidSide            Code = "INVALID_SIDE"
	CodeInvalidOrderType       Code = "INVALID_ORDER_TYPE"
	CodeInvalidPrice           Code = "INVALID_PRICE"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInvalidExpiry          Code = "INVALID_EXPIRY"
	CodeStopPriceRequired      Code = "STOP_PRICE_REQUIRED"
	CodePriceOutOfRange        Code = "PRICE_OUT_OF_RANGE"
	CodeQtyTooSmall            Code = "QTY_TOO_SMALL"
	CodeQtyTooLarge            Code = "QTY_TOO_LARGE"
	CodeNotionalTooSmall       Code = "NOTIONAL_TOO_SMALL"
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeOrderAlreadyTerminal   Code = "ORDER_ALREADY_TERMINAL"
	CodeNotOrderOwner          Code = "NOT_ORDER_OWNER"
	CodeDuplicateClientOrderId Code = "DUPLICATE_CLIENT_ORDER_ID"
	CodeMarketNoLiquidity      Code = "MARKET_NO_LIQUIDITY"

	// 资金 (5xxx)
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientLocked  Code = "INSUFFICIENT_LOCKED"
	CodeHoldingNotFound     Code = "HOLDING_NOT_FOUND"
	CodeSettleFailure       Code = "SETTLE_FAILURE"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeLedgerIntegrity     Code = "LEDGER_INTEGRITY"

	// 合规 (6xxx)
	CodeComplianceRejected    Code = "COMPLIANCE_REJECTED"
	CodeComplianceTimeout     Code = "COMPLIANCE_TIMEOUT"
	CodeComplianceUnavailable Code = "COMPLIANCE_UNAVAILABLE"
	CodeUserBlocked           Code = "USER_BLOCKED"
	CodeJurisdictionLimited   Code = "JURISDICTION_RESTRICTED"
	CodeNotionalLimitExceeded Code = "NOTIONAL_LIMIT_EXCEEDED"

	// 系统 (9xxx)
	CodeServiceDegraded Code = "SERVICE_DEGRADED"
	CodeMaintenanceMode Code = "MAINTENANCE_MODE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// IsCode reports whether err is a business error with the given code.
func IsCode(err error, code Code) bool {
	be, ok := err.(*Error)
	return ok && be.Code == code
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable,
		CodeComplianceTimeout, CodeComplianceUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidPrice,
		CodeInvalidQuantity, CodeInvalidSide, CodeInvalidOrderType,
		CodeInvalidExpiry, CodeStopPriceRequired, CodePriceOutOfRange,
		CodeQtyTooSmall, CodeQtyTooLarge, CodeNotionalTooSmall:
		return http.StatusBadRequest
	case CodeNotOrderOwner, CodeUserBlocked, CodeJurisdictionLimited:
		return http.StatusForbidden
	case CodeNotFound, CodeOrderNotFound, CodeAssetNotFound, CodeHoldingNotFound:
		return http.StatusNotFound
	case CodeOrderAlreadyTerminal, CodeDuplicateClientOrderId, CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeInsufficientBalance, CodeInsufficientLocked, CodeAssetNotTradable:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown, CodeSettleFailure, CodeLedgerIntegrity:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeMaintenanceMode, CodeServiceDegraded:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeComplianceTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam        = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrInsufficientBalance = New(CodeInsufficientBalance, "insufficient balance")
	ErrInsufficientLocked  = New(CodeInsufficientLocked, "insufficient locked balance")
	ErrOrderNotFound       = New(CodeOrderNotFound, "order not found")
	ErrAssetNotFound       = New(CodeAssetNotFound, "asset not found")
	ErrAssetNotTradable    = New(CodeAssetNotTradable, "asset is not tradable")
	ErrAlreadyTerminal     = New(CodeOrderAlreadyTerminal, "order is already terminal")
	ErrSystemBusy          = New(CodeSystemBusy, "system busy, please retry")
)
