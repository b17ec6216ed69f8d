// Package handler 交易 HTTP 接口
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenmarket/trading-engine/internal/metrics"
	"github.com/tokenmarket/trading-engine/internal/registry"
	"github.com/tokenmarket/trading-engine/internal/service"
	apperrors "github.com/tokenmarket/trading-engine/pkg/errors"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	"github.com/tokenmarket/trading-engine/pkg/response"
	"github.com/tokenmarket/trading-engine/pkg/tracing"
)

// Handler REST 入口，薄封装：参数解析 + 服务调用 + 统一应答
type Handler struct {
	svc   *service.TradingService
	reg   *registry.Registry
	log   *logger.Logger
	ready func() bool
}

func New(svc *service.TradingService, reg *registry.Registry, log *logger.Logger, ready func() bool) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{svc: svc, reg: reg, log: log.WithComponent("handler"), ready: ready}
}

// Routes 注册全部路由并套上中间件链
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/v1/exchangeInfo", h.instrument("/v1/exchangeInfo", h.handleExchangeInfo))
	mux.HandleFunc("/v1/order", h.instrument("/v1/order", h.handleOrder))
	mux.HandleFunc("/v1/openOrders", h.instrument("/v1/openOrders", h.handleOpenOrders))
	mux.HandleFunc("/v1/allOrders", h.instrument("/v1/allOrders", h.handleAllOrders))
	mux.HandleFunc("/v1/myTrades", h.instrument("/v1/myTrades", h.handleMyTrades))
	mux.HandleFunc("/v1/ticker", h.instrument("/v1/ticker", h.handleTicker))
	mux.HandleFunc("/v1/depth", h.instrument("/v1/depth", h.handleDepth))
	mux.HandleFunc("/v1/balances", h.instrument("/v1/balances", h.handleBalances))

	var handler http.Handler = mux
	handler = tracing.HTTPMiddleware(handler)
	handler = response.RecoveryMiddleware(handler)
	handler = response.RequestIDMiddleware(handler)
	return handler
}

func (h *Handler) instrument(path string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fn(w, r)
		metrics.ObserveHTTPRequest(path, r.Method, time.Since(start))
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT_READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (h *Handler) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	assets := h.reg.List()
	type assetInfo struct {
		Symbol       string `json:"symbol"`
		QuoteAsset   string `json:"quoteAsset"`
		Status       string `json:"status"`
		PriceScale   int    `json:"priceScale"`
		QtyScale     int    `json:"qtyScale"`
		MinQty       int64  `json:"minQty"`
		MinNotional  int64  `json:"minNotional"`
		PriceBandBps int64  `json:"priceBandBps"`
	}
	out := make([]assetInfo, 0, len(assets))
	for _, a := range assets {
		status := "TRADING"
		if a.Status != registry.StatusTrading {
			status = "HALTED"
		}
		out = append(out, assetInfo{
			Symbol: a.Symbol, QuoteAsset: a.QuoteAsset, Status: status,
			PriceScale: a.PriceScale, QtyScale: a.QtyScale,
			MinQty: a.MinQty, MinNotional: a.MinNotional, PriceBandBps: a.PriceBandBps,
		})
	}
	response.WriteData(w, map[string]interface{}{
		"serverTime": time.Now().UnixMilli(),
		"assets":     out,
	})
}

func (h *Handler) handleOrder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateOrder(w, r)
	case http.MethodDelete:
		h.handleCancelOrder(w, r)
	case http.MethodGet:
		h.handleGetOrder(w, r)
	default:
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "method not allowed")
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	req.IP = clientIP(r)
	req.RequestID = response.RequestIDFromRequest(r)

	resp, err := h.svc.SubmitOrder(r.Context(), &req)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, resp)
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	orderID, err := queryInt64(r, "orderId")
	if err != nil || orderID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "orderId is required")
		return
	}

	resp, err := h.svc.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, resp)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	orderID, err := queryInt64(r, "orderId")
	if err != nil || orderID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "orderId is required")
		return
	}

	row, err := h.svc.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, row)
}

func (h *Handler) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	asset := r.URL.Query().Get("asset")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := h.svc.ListOpenOrders(r.Context(), userID, asset, limit)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, rows)
}

func (h *Handler) handleAllOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	asset := r.URL.Query().Get("asset")
	startMs, _ := queryInt64(r, "startTime")
	endMs, _ := queryInt64(r, "endTime")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := h.svc.ListOrders(r.Context(), userID, asset, startMs, endMs, limit)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, rows)
}

func (h *Handler) handleMyTrades(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	asset := r.URL.Query().Get("asset")
	startMs, _ := queryInt64(r, "startTime")
	endMs, _ := queryInt64(r, "endTime")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	execs, err := h.svc.ListExecutions(r.Context(), userID, asset, startMs, endMs, limit)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, execs)
}

func (h *Handler) handleTicker(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "asset is required")
		return
	}
	ticker, err := h.svc.Ticker(asset)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, ticker)
}

func (h *Handler) handleDepth(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "asset is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	bids, asks, err := h.svc.Depth(asset, limit)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteData(w, map[string]interface{}{
		"asset": asset,
		"bids":  bids,
		"asks":  asks,
		"ts":    time.Now().UnixMilli(),
	})
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "userId")
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "userId is required")
		return
	}
	response.WriteData(w, h.svc.Balances(userID))
}

func queryInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
