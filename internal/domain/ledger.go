// Package domain 定义库存台账领域模型和核心业务规则。
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status 台账状态，由数量推导，不可单独设置
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusReserved  Status = "RESERVED"
	StatusSoldOut   Status = "SOLD_OUT"
)

// DeriveStatus 根据在库数量与预留数量推导状态
func DeriveStatus(quantity, reserved int) Status {
	switch {
	case quantity <= 0:
		return StatusSoldOut
	case reserved > 0:
		return StatusReserved
	default:
		return StatusAvailable
	}
}

// DeductPolicy 决定扣减超过在库数量时的行为
type DeductPolicy int

const (
	// DeductRejectOverdraw 扣减数量大于在库数量时拒绝
	DeductRejectOverdraw DeductPolicy = iota
	// DeductPermitOverdraw 信任调用方已做可用性校验，允许在库数量为负
	DeductPermitOverdraw
)

// ParseDeductPolicy 解析配置中的扣减策略（reject 或 permit）
func ParseDeductPolicy(s string) (DeductPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return DeductRejectOverdraw, nil
	case "permit":
		return DeductPermitOverdraw, nil
	default:
		return DeductRejectOverdraw, fmt.Errorf("%w: unknown deduct policy %q", ErrValidation, s)
	}
}

func (p DeductPolicy) String() string {
	if p == DeductPermitOverdraw {
		return "permit"
	}
	return "reject"
}

// StockLedger 库存台账聚合，单个 SKU 在单个仓库的在库与预留数量。
// 本身不是并发安全的，调用方必须串行访问。
type StockLedger struct {
	ID               string          `json:"id"`
	SkuCode          string          `json:"sku_code"`
	Name             string          `json:"name"`
	WarehouseID      string          `json:"warehouse_id"`
	Quantity         int             `json:"quantity"`
	ReservedQuantity int             `json:"reserved_quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Status           Status          `json:"status"`
	Version          int64           `json:"version"` // 乐观锁版本号
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewStockLedger 创建台账，预留数量为 0
func NewStockLedger(skuCode, name, warehouseID string, quantity int, unitPrice decimal.Decimal) (*StockLedger, error) {
	skuCode = strings.TrimSpace(skuCode)
	warehouseID = strings.TrimSpace(warehouseID)
	if skuCode == "" {
		return nil, fmt.Errorf("%w: sku code is required", ErrValidation)
	}
	if warehouseID == "" {
		return nil, fmt.Errorf("%w: warehouse id is required", ErrValidation)
	}
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must be non-negative, got %d", ErrValidation, quantity)
	}
	if unitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: unit price must be non-negative", ErrValidation)
	}

	now := time.Now()
	return &StockLedger{
		ID:          uuid.NewString(),
		SkuCode:     skuCode,
		Name:        strings.TrimSpace(name),
		WarehouseID: warehouseID,
		Quantity:    quantity,
		UnitPrice:   unitPrice.Round(2),
		Status:      DeriveStatus(quantity, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Available 返回可用数量 quantity - reserved
func (l *StockLedger) Available() int {
	return l.Quantity - l.ReservedQuantity
}

// Reserve 预留 qty 个单位。可用数量不足时返回 false 且状态不变。
func (l *StockLedger) Reserve(qty int) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("%w: reserve quantity must be positive, got %d", ErrValidation, qty)
	}
	if l.Available() < qty {
		return false, nil
	}
	l.ReservedQuantity += qty
	l.touch()
	return true, nil
}

// Deduct 扣减在库数量，并同时释放至多 qty 个预留
func (l *StockLedger) Deduct(qty int, policy DeductPolicy) error {
	if qty <= 0 {
		return fmt.Errorf("%w: deduct quantity must be positive, got %d", ErrValidation, qty)
	}
	if policy == DeductRejectOverdraw && qty > l.Quantity {
		return fmt.Errorf("%w: deduct %d exceeds on-hand %d", ErrInsufficientStock, qty, l.Quantity)
	}
	l.Quantity -= qty
	l.ReservedQuantity -= min(qty, l.ReservedQuantity)
	l.touch()
	return nil
}

// Release 释放至多 qty 个预留，多释放的部分被截断为 0
func (l *StockLedger) Release(qty int) {
	if qty <= 0 || l.ReservedQuantity == 0 {
		return
	}
	l.ReservedQuantity -= min(qty, l.ReservedQuantity)
	l.touch()
}

func (l *StockLedger) touch() {
	l.Status = DeriveStatus(l.Quantity, l.ReservedQuantity)
	l.UpdatedAt = time.Now()
}

// Clone 返回台账的副本
func (l *StockLedger) Clone() *StockLedger {
	c := *l
	return &c
}
