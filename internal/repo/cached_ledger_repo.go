package repo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MorseWayne/stock_reserve/internal/cache"
	"github.com/MorseWayne/stock_reserve/internal/domain"
)

// LedgerCacheKey 台账读缓存键（不含 cache: 前缀）
func LedgerCacheKey(id string) string {
	return "ledger:" + id
}

// fillTimeout 合并回填查询的时限，独立于发起查询的请求
const fillTimeout = 3 * time.Second

// CachedLedgerRepository 带读缓存的台账仓储。
// Load 与 Save 始终直达数据库，缓存只服务查询接口。
type CachedLedgerRepository struct {
	repo   LedgerRepository
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedLedgerRepository 创建带缓存的台账仓储
func NewCachedLedgerRepository(repo LedgerRepository, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedLedgerRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLedgerRepository{repo: repo, cache: c, ttl: ttl, logger: logger}
}

// Create 创建台账
func (r *CachedLedgerRepository) Create(ctx context.Context, l *domain.StockLedger) error {
	return r.repo.Create(ctx, l)
}

// GetByID 读穿缓存，同一 ID 的并发未命中合并为一次数据库查询。
// 回填按版本号进行，Save 之后不会被更早读到的快照覆盖。
func (r *CachedLedgerRepository) GetByID(ctx context.Context, id string) (*domain.StockLedger, error) {
	key := LedgerCacheKey(id)

	var l domain.StockLedger
	err := r.cache.Get(ctx, key, &l)
	if err == nil {
		return &l, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		// 缓存故障或脏数据只降级，不影响读路径
		r.logger.Warn("ledger cache read failed", zap.String("key", key), zap.Error(err))
	}

	// 合并后的查询不受单个调用方取消的影响，调用方各自按自己的 ctx 返回
	ch := r.group.DoChan(key, func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		return r.fill(fillCtx, key, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result, _ := res.Val.(*domain.StockLedger)
		if result == nil {
			return nil, nil
		}
		return result.Clone(), nil
	}
}

func (r *CachedLedgerRepository) fill(ctx context.Context, key, id string) (*domain.StockLedger, error) {
	result, err := r.repo.GetByID(ctx, id)
	if err != nil || result == nil {
		return result, err
	}
	stored, err := r.cache.SetVersioned(ctx, key, result, result.Version, r.ttl)
	if err != nil {
		r.logger.Warn("ledger cache write failed", zap.String("key", key), zap.Error(err))
	} else if !stored {
		r.logger.Debug("stale ledger snapshot not cached",
			zap.String("key", key), zap.Int64("version", result.Version))
	}
	return result, nil
}

// GetBySKU 不缓存
func (r *CachedLedgerRepository) GetBySKU(ctx context.Context, sku string) (*domain.StockLedger, error) {
	return r.repo.GetBySKU(ctx, sku)
}

// ExistsBySKU 不缓存
func (r *CachedLedgerRepository) ExistsBySKU(ctx context.Context, sku string) (bool, error) {
	return r.repo.ExistsBySKU(ctx, sku)
}

// Load 绕过缓存，保证预留引擎读到最新提交的状态
func (r *CachedLedgerRepository) Load(ctx context.Context, id string) (*domain.StockLedger, error) {
	return r.repo.Load(ctx, id)
}

// Save 写库成功后清除读缓存
func (r *CachedLedgerRepository) Save(ctx context.Context, l *domain.StockLedger) error {
	if err := r.repo.Save(ctx, l); err != nil {
		return err
	}
	r.invalidate(ctx, l.ID, l.Version)
	return nil
}

// List 不缓存，参数组合太多
func (r *CachedLedgerRepository) List(ctx context.Context, req *domain.LedgerListRequest) ([]*domain.StockLedger, int64, error) {
	return r.repo.List(ctx, req)
}

// Delete 删除后清除读缓存
func (r *CachedLedgerRepository) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id, cache.Tombstone)
	return nil
}

// invalidate 删除读缓存并把版本水位抬到 version
func (r *CachedLedgerRepository) invalidate(ctx context.Context, id string, version int64) {
	// 写库已提交，失效不能因请求取消而跳过
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
	defer cancel()
	if err := r.cache.DeleteVersioned(ctx, LedgerCacheKey(id), version, r.ttl); err != nil {
		r.logger.Warn("ledger cache invalidate failed", zap.String("id", id), zap.Error(err))
	}
}
