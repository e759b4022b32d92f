package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/lock"
	"github.com/MorseWayne/stock_reserve/internal/metrics"
)

const (
	opReserve = "reserve"
	opDeduct  = "deduct"
	opRelease = "release"

	// 释放锁与发布事件使用独立于请求的时限
	releaseTimeout = time.Second
	publishTimeout = time.Second
)

// LedgerStore 引擎需要的最小持久化接口
type LedgerStore interface {
	// Load 读取最新提交的台账，不存在返回 domain.ErrNotFound
	Load(ctx context.Context, id string) (*domain.StockLedger, error)
	// Save 按版本号写回台账
	Save(ctx context.Context, l *domain.StockLedger) error
}

// Locker 引擎需要的锁接口，由 lock.RedisLock 实现
type Locker interface {
	AcquireWithTimeout(ctx context.Context, key, token string, ttl, wait time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// EngineOptions 预留引擎参数
type EngineOptions struct {
	WaitBudget       time.Duration
	LockTTL          time.Duration
	OperationTimeout time.Duration
	DeductPolicy     domain.DeductPolicy
}

// DefaultEngineOptions 返回默认参数
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		WaitBudget:       300 * time.Millisecond,
		LockTTL:          5 * time.Second,
		OperationTimeout: 2 * time.Second,
		DeductPolicy:     domain.DeductRejectOverdraw,
	}
}

// LedgerLockKey 台账锁的键名
func LedgerLockKey(inventoryID string) string {
	return "inventory:" + inventoryID
}

// ReservationEngine 在分布式锁保护下对单个台账执行
// 读取、修改、写回，保证同一台账上的操作串行化。
type ReservationEngine struct {
	store     LedgerStore
	locker    Locker
	publisher EventPublisher
	metrics   *metrics.Recorder
	logger    *zap.Logger
	opts      EngineOptions
}

// NewReservationEngine 创建预留引擎
func NewReservationEngine(store LedgerStore, locker Locker, publisher EventPublisher, rec *metrics.Recorder, logger *zap.Logger, opts EngineOptions) *ReservationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	def := DefaultEngineOptions()
	if opts.WaitBudget <= 0 {
		opts.WaitBudget = def.WaitBudget
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	return &ReservationEngine{
		store:     store,
		locker:    locker,
		publisher: publisher,
		metrics:   rec,
		logger:    logger,
		opts:      opts,
	}
}

// Reserve 预留 qty 件库存
func (e *ReservationEngine) Reserve(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error) {
	return e.run(ctx, opReserve, inventoryID, qty, func(l *domain.StockLedger) (domain.EventType, error) {
		ok, err := l.Reserve(qty)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: available %d, requested %d", domain.ErrInsufficientStock, l.Available(), qty)
		}
		return domain.EventLedgerReserved, nil
	})
}

// Deduct 扣减 qty 件库存，同时消耗等量的预留
func (e *ReservationEngine) Deduct(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error) {
	return e.run(ctx, opDeduct, inventoryID, qty, func(l *domain.StockLedger) (domain.EventType, error) {
		// 在锁内基于最新状态复核
		if l.Available() < qty {
			return "", fmt.Errorf("%w: available %d, requested %d", domain.ErrInsufficientStock, l.Available(), qty)
		}
		if err := l.Deduct(qty, e.opts.DeductPolicy); err != nil {
			return "", err
		}
		return domain.EventLedgerDeducted, nil
	})
}

// Release 释放 qty 件预留，超出部分截断为 0
func (e *ReservationEngine) Release(ctx context.Context, inventoryID string, qty int) (*domain.StockLedger, error) {
	return e.run(ctx, opRelease, inventoryID, qty, func(l *domain.StockLedger) (domain.EventType, error) {
		l.Release(qty)
		return domain.EventLedgerReleased, nil
	})
}

type mutation func(l *domain.StockLedger) (domain.EventType, error)

func (e *ReservationEngine) run(ctx context.Context, op, inventoryID string, qty int, mutate mutation) (_ *domain.StockLedger, err error) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveOperation(op, outcome(err), time.Since(start))
	}()

	if strings.TrimSpace(inventoryID) == "" {
		return nil, fmt.Errorf("%w: inventory id is required", domain.ErrValidation)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrValidation, qty)
	}

	key := LedgerLockKey(inventoryID)
	token := lock.NewToken()
	log := e.logger.With(zap.String("op", op), zap.String("inventory_id", inventoryID), zap.Int("quantity", qty))

	waitStart := time.Now()
	acquired, err := e.locker.AcquireWithTimeout(ctx, key, token, e.opts.LockTTL, e.opts.WaitBudget)
	e.metrics.ObserveLockWait(acquired, time.Since(waitStart))
	if err != nil {
		// SET 可能已在服务端生效，按令牌尝试清理
		e.releaseLock(ctx, log, key, token, false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Error("acquire ledger lock failed", zap.Error(err))
		return nil, fmt.Errorf("%w: acquire lock %s: %w", domain.ErrInfrastructure, key, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s busy after %s", domain.ErrContention, inventoryID, e.opts.WaitBudget)
	}
	defer e.releaseLock(ctx, log, key, token, true)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	defer cancel()

	ledger, err := e.store.Load(opCtx, inventoryID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Error("load ledger failed", zap.Error(err))
		return nil, fmt.Errorf("%w: load ledger %s: %w", domain.ErrInfrastructure, inventoryID, err)
	}

	evType, err := mutate(ledger)
	if err != nil {
		return nil, err
	}

	if err := e.store.Save(opCtx, ledger); err != nil {
		log.Error("persist ledger failed", zap.Error(err))
		return nil, fmt.Errorf("%w: persist ledger %s: %w", domain.ErrInfrastructure, inventoryID, err)
	}

	e.publish(ctx, log, domain.NewLedgerEvent(evType, ledger, qty))
	log.Debug("ledger updated",
		zap.Int("on_hand", ledger.Quantity),
		zap.Int("reserved", ledger.ReservedQuantity),
		zap.Int64("version", ledger.Version))
	return ledger, nil
}

// releaseLock 在脱离请求取消的上下文中释放锁。
// held 为 false 表示获取阶段出错后的清理，此时未删除任何键属于正常情况。
func (e *ReservationEngine) releaseLock(ctx context.Context, log *zap.Logger, key, token string, held bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := e.locker.Release(rctx, key, token)
	switch {
	case err != nil:
		e.metrics.LockReleased("error")
		log.Error("release ledger lock failed", zap.String("key", key), zap.Error(err))
	case released:
		e.metrics.LockReleased("released")
	case held:
		e.metrics.LockReleased("expired")
		log.Warn("ledger lock expired before release", zap.String("key", key))
	}
}

func (e *ReservationEngine) publish(ctx context.Context, log *zap.Logger, ev domain.LedgerEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(pctx, ev); err != nil {
		e.metrics.Event(string(ev.Type), "publish_failed")
		log.Warn("publish ledger event failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	e.metrics.Event(string(ev.Type), "published")
}

// outcome 将错误归类为指标标签
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrContention):
		return "contention"
	case errors.Is(err, domain.ErrInfrastructure):
		return "infrastructure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
