// Package api 提供库存台账的 HTTP 处理器
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/middleware"
	"github.com/MorseWayne/stock_reserve/internal/resp"
)

// ReservationEngine 预留引擎接口
type ReservationEngine interface {
	Reserve(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error)
	Deduct(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error)
	Release(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error)
}

// LedgerQueries 台账查询与管理接口
type LedgerQueries interface {
	Create(ctx context.Context, req *domain.CreateLedgerRequest) (*domain.StockLedger, error)
	Get(ctx context.Context, id string) (*domain.StockLedger, error)
	List(ctx context.Context, req *domain.LedgerListRequest) (*domain.LedgerListResponse, error)
	Movements(ctx context.Context, id string, limit int) ([]domain.LedgerEvent, error)
	SoldOut(ctx context.Context, warehouseID string) ([]string, error)
	Available(ctx context.Context, warehouseID string) (map[string]int, error)
	LockStatus(ctx context.Context, id string) (*domain.LockStatus, error)
	ForceUnlock(ctx context.Context, id string) error
}

// LedgerHandler 台账 API 处理器
type LedgerHandler struct {
	engine  ReservationEngine
	ledgers LedgerQueries
	logger  *zap.Logger
}

// NewLedgerHandler 创建台账处理器
func NewLedgerHandler(engine ReservationEngine, ledgers LedgerQueries, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{engine: engine, ledgers: ledgers, logger: logger}
}

type mutation func(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error)

// Reserve 预留库存
// POST /api/v1/inventory/:id/reserve
func (h *LedgerHandler) Reserve(c *gin.Context) {
	h.mutate(c, "reserve", h.engine.Reserve)
}

// Deduct 扣减已预留的库存
// POST /api/v1/inventory/:id/deduct
func (h *LedgerHandler) Deduct(c *gin.Context) {
	h.mutate(c, "deduct", h.engine.Deduct)
}

// Release 释放预留
// POST /api/v1/inventory/:id/release
func (h *LedgerHandler) Release(c *gin.Context) {
	h.mutate(c, "release", h.engine.Release)
}

func (h *LedgerHandler) mutate(c *gin.Context, op string, fn mutation) {
	reqID := requestID(c)
	var req domain.QuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("invalid request body", zap.String("op", op), zap.String("request_id", reqID), zap.Error(err))
		resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body", reqID, "")
		return
	}

	id := c.Param("id")
	ledger, err := fn(c.Request.Context(), id, req.Quantity)
	if err != nil {
		h.writeDomainError(c, op, err)
		return
	}
	resp.OK(c.Writer, domain.QuantityResult{InventoryID: id, Quantity: req.Quantity, Ledger: ledger}, reqID, "")
}

// Create 创建台账
// POST /api/v1/inventory
func (h *LedgerHandler) Create(c *gin.Context) {
	reqID := requestID(c)
	var req domain.CreateLedgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body", reqID, "")
		return
	}
	ledger, err := h.ledgers.Create(c.Request.Context(), &req)
	if err != nil {
		h.writeDomainError(c, "create", err)
		return
	}
	resp.OK(c.Writer, ledger, reqID, "")
}

// Get 查询台账
// GET /api/v1/inventory/:id
func (h *LedgerHandler) Get(c *gin.Context) {
	ledger, err := h.ledgers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeDomainError(c, "get", err)
		return
	}
	resp.OK(c.Writer, ledger, requestID(c), "")
}

// List 分页查询台账，可按仓库、关键字与状态过滤
// GET /api/v1/inventory?warehouseId=&keyword=&status=&page=&pageSize=
func (h *LedgerHandler) List(c *gin.Context) {
	reqID := requestID(c)
	page, err := queryInt(c, "page", 1)
	if err != nil {
		resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "invalid page", reqID, "")
		return
	}
	pageSize, err := queryInt(c, "pageSize", 0)
	if err != nil {
		resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "invalid pageSize", reqID, "")
		return
	}

	out, err := h.ledgers.List(c.Request.Context(), &domain.LedgerListRequest{
		WarehouseID: c.Query("warehouseId"),
		Keyword:     c.Query("keyword"),
		Status:      domain.Status(c.Query("status")),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		h.writeDomainError(c, "list", err)
		return
	}
	resp.OK(c.Writer, out, reqID, "")
}

// Movements 查询台账最近的变动
// GET /api/v1/inventory/:id/movements?limit=
func (h *LedgerHandler) Movements(c *gin.Context) {
	reqID := requestID(c)
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "invalid limit", reqID, "")
		return
	}
	events, err := h.ledgers.Movements(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeDomainError(c, "movements", err)
		return
	}
	resp.OK(c.Writer, events, reqID, "")
}

// SoldOut 查询仓库内已售罄的 SKU
// GET /api/v1/warehouses/:warehouseId/sold-out
func (h *LedgerHandler) SoldOut(c *gin.Context) {
	skus, err := h.ledgers.SoldOut(c.Request.Context(), c.Param("warehouseId"))
	if err != nil {
		h.writeDomainError(c, "sold_out", err)
		return
	}
	resp.OK(c.Writer, skus, requestID(c), "")
}

// Available 查询仓库内各 SKU 的可用数量
// GET /api/v1/warehouses/:warehouseId/available
func (h *LedgerHandler) Available(c *gin.Context) {
	avail, err := h.ledgers.Available(c.Request.Context(), c.Param("warehouseId"))
	if err != nil {
		h.writeDomainError(c, "available", err)
		return
	}
	resp.OK(c.Writer, avail, requestID(c), "")
}

// LockStatus 查询台账锁
// GET /api/v1/admin/locks/:id
func (h *LedgerHandler) LockStatus(c *gin.Context) {
	st, err := h.ledgers.LockStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeDomainError(c, "lock_status", err)
		return
	}
	resp.OK(c.Writer, st, requestID(c), "")
}

// ForceUnlock 强制释放台账锁
// DELETE /api/v1/admin/locks/:id
func (h *LedgerHandler) ForceUnlock(c *gin.Context) {
	id := c.Param("id")
	if err := h.ledgers.ForceUnlock(c.Request.Context(), id); err != nil {
		h.writeDomainError(c, "force_unlock", err)
		return
	}
	h.logger.Warn("ledger lock force released via admin api",
		zap.String("inventory_id", id),
		zap.String("caller", middleware.CallerID(c)),
		zap.String("request_id", requestID(c)))
	resp.OK(c.Writer, gin.H{"inventoryId": id, "released": true}, requestID(c), "")
}

// writeDomainError 将领域错误映射为 HTTP 状态码与业务码
func (h *LedgerHandler) writeDomainError(c *gin.Context, op string, err error) {
	reqID := requestID(c)
	status, code, msg := http.StatusInternalServerError, resp.CodeInternalError, "internal server error"

	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code, msg = http.StatusBadRequest, resp.CodeInvalidParam, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, msg = http.StatusNotFound, resp.CodeNotFound, "inventory not found"
	case errors.Is(err, domain.ErrInsufficientStock):
		status, code, msg = http.StatusConflict, resp.CodeInsufficientStock, "insufficient stock"
	case errors.Is(err, domain.ErrSKUExists):
		status, code, msg = http.StatusConflict, resp.CodeConflict, "sku already exists"
	case errors.Is(err, domain.ErrContention):
		c.Header("Retry-After", "1")
		status, code, msg = http.StatusTooManyRequests, resp.CodeTooManyRequests, "inventory is busy, retry later"
	case errors.Is(err, domain.ErrInfrastructure):
		status, code, msg = http.StatusServiceUnavailable, resp.CodeServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, msg = http.StatusGatewayTimeout, resp.CodeTimeout, "request timeout"
	case errors.Is(err, context.Canceled):
		status, code, msg = http.StatusServiceUnavailable, resp.CodeServiceUnavailable, "request canceled"
	}

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("request_id", reqID),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", fields...)
	} else {
		h.logger.Debug("ledger request rejected", fields...)
	}
	resp.Error(c.Writer, status, code, msg, reqID, "")
}

func requestID(c *gin.Context) string {
	return middleware.RequestIDFromContext(c.Request.Context())
}

// queryInt 读取整数查询参数，缺失时返回默认值
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
