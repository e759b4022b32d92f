package domain

import "time"

// CreateLedgerRequest 表示创建台账请求，单价以字符串传入避免浮点误差
type CreateLedgerRequest struct {
	SkuCode     string `json:"skuCode"`
	ProductName string `json:"productName"`
	WarehouseID string `json:"warehouseId"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
}

// QuantityRequest 表示预留/扣减/释放请求
type QuantityRequest struct {
	Quantity int `json:"quantity"`
}

// QuantityResult 表示预留/扣减/释放的响应
type QuantityResult struct {
	InventoryID string       `json:"inventoryId"`
	Quantity    int          `json:"quantity"`
	Ledger      *StockLedger `json:"ledger"`
}

// LedgerListRequest 表示台账列表查询请求
type LedgerListRequest struct {
	WarehouseID string
	Keyword     string
	Status      Status
	Page        int // 从 1 开始
	PageSize    int
}

// LedgerListResponse 表示台账分页结果
type LedgerListResponse struct {
	Items    []*StockLedger `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// LockStatus 表示台账锁的当前持有情况
type LockStatus struct {
	InventoryID string        `json:"inventory_id"`
	Held        bool          `json:"held"`
	TTL         time.Duration `json:"-"`
	TTLMillis   int64         `json:"ttl_ms"`
}
