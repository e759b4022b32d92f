package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/repo"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// LockAdmin 管理接口需要的锁操作，由 lock.RedisLock 实现
type LockAdmin interface {
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	ForceRelease(ctx context.Context, key string) error
}

// LedgerService 台账的创建、查询与运维操作。
// 预留、扣减、释放走 ReservationEngine。
type LedgerService struct {
	repo      repo.LedgerRepository
	projector *LedgerProjector
	publisher EventPublisher
	locks     LockAdmin
	logger    *zap.Logger
}

// NewLedgerService 创建台账服务
func NewLedgerService(r repo.LedgerRepository, projector *LedgerProjector, publisher EventPublisher, locks LockAdmin, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &LedgerService{repo: r, projector: projector, publisher: publisher, locks: locks, logger: logger}
}

// Create 创建台账，SKU 已存在时返回 domain.ErrSKUExists
func (s *LedgerService) Create(ctx context.Context, req *domain.CreateLedgerRequest) (*domain.StockLedger, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request body is required", domain.ErrValidation)
	}
	price := decimal.Zero
	if p := strings.TrimSpace(req.UnitPrice); p != "" {
		var err error
		if price, err = decimal.NewFromString(p); err != nil {
			return nil, fmt.Errorf("%w: invalid unit price %q", domain.ErrValidation, req.UnitPrice)
		}
	}

	ledger, err := domain.NewStockLedger(strings.TrimSpace(req.SkuCode), strings.TrimSpace(req.ProductName),
		strings.TrimSpace(req.WarehouseID), req.Quantity, price)
	if err != nil {
		return nil, err
	}

	exists, err := s.repo.ExistsBySKU(ctx, ledger.SkuCode)
	if err != nil {
		return nil, fmt.Errorf("%w: check sku: %w", domain.ErrInfrastructure, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrSKUExists, ledger.SkuCode)
	}

	if err := s.repo.Create(ctx, ledger); err != nil {
		// 并发创建时由唯一索引兜底
		if errors.Is(err, domain.ErrSKUExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create ledger: %w", domain.ErrInfrastructure, err)
	}

	if err := s.publisher.Publish(context.WithoutCancel(ctx), domain.NewLedgerEvent(domain.EventLedgerCreated, ledger, ledger.Quantity)); err != nil {
		s.logger.Warn("publish ledger created failed", zap.String("inventory_id", ledger.ID), zap.Error(err))
	}
	s.logger.Info("ledger created",
		zap.String("inventory_id", ledger.ID),
		zap.String("sku_code", ledger.SkuCode),
		zap.String("warehouse_id", ledger.WarehouseID))
	return ledger, nil
}

// Get 按 ID 查询台账
func (s *LedgerService) Get(ctx context.Context, id string) (*domain.StockLedger, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: inventory id is required", domain.ErrValidation)
	}
	ledger, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get ledger: %w", domain.ErrInfrastructure, err)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return ledger, nil
}

// ListByWarehouse 分页列出仓库内的台账
func (s *LedgerService) ListByWarehouse(ctx context.Context, warehouseID string, page, pageSize int) (*domain.LedgerListResponse, error) {
	if strings.TrimSpace(warehouseID) == "" {
		return nil, fmt.Errorf("%w: warehouse id is required", domain.ErrValidation)
	}
	return s.List(ctx, &domain.LedgerListRequest{WarehouseID: warehouseID, Page: page, PageSize: pageSize})
}

// Search 按关键字匹配 SKU 或商品名
func (s *LedgerService) Search(ctx context.Context, keyword string, page, pageSize int) (*domain.LedgerListResponse, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, fmt.Errorf("%w: keyword is required", domain.ErrValidation)
	}
	return s.List(ctx, &domain.LedgerListRequest{Keyword: strings.TrimSpace(keyword), Page: page, PageSize: pageSize})
}

// List 按组合条件分页查询
func (s *LedgerService) List(ctx context.Context, req *domain.LedgerListRequest) (*domain.LedgerListResponse, error) {
	if req.Status != "" {
		switch req.Status {
		case domain.StatusAvailable, domain.StatusReserved, domain.StatusSoldOut:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, req.Status)
		}
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	switch {
	case req.PageSize <= 0:
		req.PageSize = defaultPageSize
	case req.PageSize > maxPageSize:
		req.PageSize = maxPageSize
	}

	items, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: list ledgers: %w", domain.ErrInfrastructure, err)
	}
	if items == nil {
		items = []*domain.StockLedger{}
	}
	return &domain.LedgerListResponse{Items: items, Total: total, Page: req.Page, PageSize: req.PageSize}, nil
}

// Movements 返回台账最近的变动事件
func (s *LedgerService) Movements(ctx context.Context, id string, limit int) ([]domain.LedgerEvent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: inventory id is required", domain.ErrValidation)
	}
	events, err := s.projector.Movements(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: read movements: %w", domain.ErrInfrastructure, err)
	}
	if events == nil {
		events = []domain.LedgerEvent{}
	}
	return events, nil
}

// SoldOut 返回仓库内已售罄的 SKU
func (s *LedgerService) SoldOut(ctx context.Context, warehouseID string) ([]string, error) {
	if strings.TrimSpace(warehouseID) == "" {
		return nil, fmt.Errorf("%w: warehouse id is required", domain.ErrValidation)
	}
	skus, err := s.projector.SoldOut(ctx, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("%w: read sold-out set: %w", domain.ErrInfrastructure, err)
	}
	if skus == nil {
		skus = []string{}
	}
	return skus, nil
}

// Available 返回仓库内各 SKU 的可用数量快照，来自读侧投影
func (s *LedgerService) Available(ctx context.Context, warehouseID string) (map[string]int, error) {
	if strings.TrimSpace(warehouseID) == "" {
		return nil, fmt.Errorf("%w: warehouse id is required", domain.ErrValidation)
	}
	avail, err := s.projector.Available(ctx, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("%w: read available snapshot: %w", domain.ErrInfrastructure, err)
	}
	if avail == nil {
		avail = map[string]int{}
	}
	return avail, nil
}

// LockStatus 查询台账锁的剩余有效期
func (s *LedgerService) LockStatus(ctx context.Context, id string) (*domain.LockStatus, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: inventory id is required", domain.ErrValidation)
	}
	ttl, held, err := s.locks.TTL(ctx, LedgerLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("%w: query lock: %w", domain.ErrInfrastructure, err)
	}
	return &domain.LockStatus{InventoryID: id, Held: held, TTL: ttl, TTLMillis: ttl.Milliseconds()}, nil
}

// ForceUnlock 强制删除台账锁，用于持有者崩溃后的人工恢复
func (s *LedgerService) ForceUnlock(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: inventory id is required", domain.ErrValidation)
	}
	if err := s.locks.ForceRelease(ctx, LedgerLockKey(id)); err != nil {
		return fmt.Errorf("%w: force unlock: %w", domain.ErrInfrastructure, err)
	}
	s.logger.Warn("ledger lock force released", zap.String("inventory_id", id))
	return nil
}
