package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType 台账领域事件类型
type EventType string

const (
	EventLedgerCreated  EventType = "ledger.created"
	EventLedgerReserved EventType = "ledger.reserved"
	EventLedgerDeducted EventType = "ledger.deducted"
	EventLedgerReleased EventType = "ledger.released"
)

// LedgerEvent 台账状态变更事件，携带变更后的快照
type LedgerEvent struct {
	EventID     string    `json:"event_id"`
	Type        EventType `json:"type"`
	InventoryID string    `json:"inventory_id"`
	SkuCode     string    `json:"sku_code"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int       `json:"quantity"` // 本次操作的数量
	OnHand      int       `json:"on_hand"`
	Reserved    int       `json:"reserved"`
	Available   int       `json:"available"`
	Status      Status    `json:"status"`
	Version     int64     `json:"version"` // 快照对应的台账版本，读模型据此丢弃过期事件
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewLedgerEvent 基于操作后的台账生成事件
func NewLedgerEvent(t EventType, l *StockLedger, qty int) LedgerEvent {
	return LedgerEvent{
		EventID:     uuid.NewString(),
		Type:        t,
		InventoryID: l.ID,
		SkuCode:     l.SkuCode,
		WarehouseID: l.WarehouseID,
		Quantity:    qty,
		OnHand:      l.Quantity,
		Reserved:    l.ReservedQuantity,
		Available:   l.Available(),
		Status:      l.Status,
		Version:     l.Version,
		OccurredAt:  time.Now(),
	}
}
