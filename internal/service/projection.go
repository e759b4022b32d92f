package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/cache"
	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/metrics"
	"github.com/MorseWayne/stock_reserve/internal/repo"
)

const (
	// 每个台账保留的最近变动条数
	defaultMovementLimit = 100
	// 事件去重标记的保留时间，覆盖消息队列的重投窗口
	eventSeenTTL = 24 * time.Hour
)

func movementsKey(id string) string          { return "ledger:movements:" + id }
func soldOutKey(warehouseID string) string   { return "warehouse:soldout:" + warehouseID }
func availableKey(warehouseID string) string { return "warehouse:available:" + warehouseID }
func eventSeenKey(eventID string) string      { return "ledger:event:" + eventID }

// LedgerProjector 将台账事件投影到缓存中的读模型：
// 最近变动列表、仓库售罄 SKU 集合、仓库可用数量哈希。
type LedgerProjector struct {
	cache         cache.Cache
	movements     *cache.Typed[domain.LedgerEvent]
	skus          *cache.Typed[string]
	available     *cache.Typed[int]
	movementLimit int64
	metrics       *metrics.Recorder
	logger        *zap.Logger
}

// NewLedgerProjector 创建投影器
func NewLedgerProjector(c cache.Cache, rec *metrics.Recorder, logger *zap.Logger) *LedgerProjector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerProjector{
		cache:         c,
		movements:     cache.NewTyped[domain.LedgerEvent](c),
		skus:          cache.NewTyped[string](c),
		available:     cache.NewTyped[int](c),
		movementLimit: defaultMovementLimit,
		metrics:       rec,
		logger:        logger,
	}
}

// Apply 应用一条事件。各读模型独立更新，失败会合并返回。
// 售罄集合与可用数量按台账版本写入，重投或乱序到达的旧事件不会覆盖新状态；
// 变动列表按事件 ID 去重。
func (p *LedgerProjector) Apply(ctx context.Context, ev domain.LedgerEvent) error {
	var errs []error

	if err := p.appendMovement(ctx, ev); err != nil {
		errs = append(errs, err)
	}

	soldOut, err := p.cache.SetMemberVersioned(ctx, soldOutKey(ev.WarehouseID), ev.SkuCode,
		ev.Status == domain.StatusSoldOut, ev.Version)
	errs = append(errs, err)

	avail, err := p.cache.HSetVersioned(ctx, availableKey(ev.WarehouseID), ev.SkuCode, ev.Available, ev.Version)
	errs = append(errs, err)

	errs = append(errs, p.cache.DeleteVersioned(ctx, repo.LedgerCacheKey(ev.InventoryID), ev.Version, eventSeenTTL))

	if err := errors.Join(errs...); err != nil {
		p.metrics.Event(string(ev.Type), "project_failed")
		return fmt.Errorf("project %s for %s: %w", ev.Type, ev.InventoryID, err)
	}
	if !soldOut && !avail {
		p.logger.Debug("stale ledger event skipped",
			zap.String("event_id", ev.EventID),
			zap.String("inventory_id", ev.InventoryID),
			zap.Int64("version", ev.Version))
		p.metrics.Event(string(ev.Type), "stale")
		return nil
	}
	p.metrics.Event(string(ev.Type), "projected")
	return nil
}

// appendMovement 追加变动记录，同一事件只记录一次
func (p *LedgerProjector) appendMovement(ctx context.Context, ev domain.LedgerEvent) error {
	first, err := p.cache.SetNX(ctx, eventSeenKey(ev.EventID), ev.Version, eventSeenTTL)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	key := movementsKey(ev.InventoryID)
	_, err = p.movements.Push(ctx, key, ev)
	if err == nil {
		err = p.cache.LTrim(ctx, key, -p.movementLimit, -1)
	}
	if err != nil {
		// 去掉标记，让重投的事件还能补上这条记录
		if delErr := p.cache.Delete(ctx, eventSeenKey(ev.EventID)); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return err
	}
	return nil
}

// Movements 返回台账最近 limit 条变动，按时间先后排列
func (p *LedgerProjector) Movements(ctx context.Context, inventoryID string, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 || int64(limit) > p.movementLimit {
		limit = int(p.movementLimit)
	}
	return p.movements.Range(ctx, movementsKey(inventoryID), -int64(limit), -1)
}

// SoldOut 返回仓库内已售罄的 SKU
func (p *LedgerProjector) SoldOut(ctx context.Context, warehouseID string) ([]string, error) {
	return p.skus.Members(ctx, soldOutKey(warehouseID))
}

// Available 返回仓库内各 SKU 的可用数量
func (p *LedgerProjector) Available(ctx context.Context, warehouseID string) (map[string]int, error) {
	return p.available.Fields(ctx, availableKey(warehouseID))
}
