package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MorseWayne/stock_reserve/internal/api"
	"github.com/MorseWayne/stock_reserve/internal/cache"
	"github.com/MorseWayne/stock_reserve/internal/config"
	"github.com/MorseWayne/stock_reserve/internal/database"
	"github.com/MorseWayne/stock_reserve/internal/domain"
	"github.com/MorseWayne/stock_reserve/internal/limiter"
	"github.com/MorseWayne/stock_reserve/internal/lock"
	"github.com/MorseWayne/stock_reserve/internal/logger"
	"github.com/MorseWayne/stock_reserve/internal/metrics"
	"github.com/MorseWayne/stock_reserve/internal/middleware"
	"github.com/MorseWayne/stock_reserve/internal/mq"
	"github.com/MorseWayne/stock_reserve/internal/repo"
	"github.com/MorseWayne/stock_reserve/internal/router"
	"github.com/MorseWayne/stock_reserve/internal/service"
)

// eventBus 台账事件的发布端与可选的消费端
type eventBus struct {
	publisher service.EventPublisher
	consumer  *mq.EventConsumer
	conn      *mq.ConnectionManager
	producer  *mq.EventProducer
}

// close 关闭消息队列资源，未启用时什么也不做
func (b *eventBus) close(lg *zap.Logger) {
	if b.producer != nil {
		_ = b.producer.Close()
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			lg.Warn("failed to close rabbitmq connection", zap.Error(err))
		}
	}
}

// initConfigAndLogger 初始化配置和日志器
func initConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, cfg.App.Name, cfg.App.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, lg, nil
}

// initDatabase 初始化数据库连接，并在 HTTP 服务启动前完成迁移
func initDatabase(cfg *config.Config, lg *zap.Logger) (*database.DB, error) {
	db, err := database.New(cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	lg.Info("using migrations directory", zap.String("path", cfg.Migrations.Dir))
	if err := db.RunMigrations(cfg.Migrations.Dir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// initRedis 创建锁、缓存与流控共用的 Redis 客户端
func initRedis(cfg *config.Config, lg *zap.Logger) (*redis.Client, error) {
	client, err := cache.NewRedisClient(cache.RedisOptions{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	lg.Info("redis connected", zap.String("addr", cfg.Redis.Addr()), zap.Int("db", cfg.Redis.DB))
	return client, nil
}

// initEventBus 启用消息队列时经 RabbitMQ 异步投影，
// 未启用或连接失败时退化为进程内同步投影
func initEventBus(ctx context.Context, cfg *config.Config, projector *service.LedgerProjector, lg *zap.Logger) *eventBus {
	inline := &eventBus{publisher: service.NewInlinePublisher(projector)}
	if !cfg.MQ.Enabled {
		lg.Info("event bus disabled, projecting inline")
		return inline
	}

	mqCfg := mq.FromAppConfig(cfg.MQ)
	if err := mqCfg.Validate(); err != nil {
		lg.Warn("invalid rabbitmq config, falling back to inline projection", zap.Error(err))
		return inline
	}
	cm := mq.NewConnectionManager(mqCfg, lg)
	if err := cm.Connect(ctx); err != nil {
		lg.Warn("failed to connect to rabbitmq, falling back to inline projection", zap.Error(err))
		_ = cm.Close()
		return inline
	}

	producer := mq.NewEventProducer(cm, mqCfg, lg)
	consumer := mq.NewEventConsumer(cm, mqCfg, projector.Apply, lg)
	lg.Info("event bus enabled",
		zap.String("exchange", mqCfg.Exchange),
		zap.String("queue", mqCfg.Queue))
	return &eventBus{publisher: producer, consumer: consumer, conn: cm, producer: producer}
}

// initGate 加载流控规则，未启用时返回 nil
func initGate(cfg *config.Config, client redis.Cmdable, rec *metrics.Recorder, lg *zap.Logger) (*limiter.Gate, error) {
	if !cfg.Limiter.Enabled {
		lg.Info("flow gate disabled")
		return nil, nil
	}
	rules, err := limiter.LoadRules(cfg.Limiter.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load flow rules: %w", err)
	}
	return limiter.NewGate(limiter.NewFactory(client), rules, rec, lg, limiter.WithCaller(middleware.CallerID))
}

// healthChecks 就绪探针检查的依赖，cm 为 nil 表示未启用消息队列
func healthChecks(dbPing, redisPing api.HealthCheck, cm *mq.ConnectionManager) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"mysql": dbPing,
		"redis": redisPing,
	}
	if cm != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !cm.IsConnected() {
				return fmt.Errorf("%w: %s", mq.ErrNotConnected, cm.State())
			}
			return nil
		}
	}
	return checks
}

// initDependencies 依赖注入链：仓储 -> 投影/引擎/服务 -> 处理器
func initDependencies(ctx context.Context, cfg *config.Config, db *database.DB, client *redis.Client, lg *zap.Logger) (*router.Dependencies, *eventBus, error) {
	rec := metrics.New()
	redisCache := cache.NewRedisCache(client)
	locker := lock.NewRedisLock(client, lock.WithRetryInterval(cfg.Lock.RetryInterval))

	var ledgers repo.LedgerRepository = repo.NewLedgerRepository(db.DB)
	if cfg.Cache.Enabled {
		ledgers = repo.NewCachedLedgerRepository(ledgers, redisCache, cfg.Cache.TTL, lg)
		lg.Info("ledger cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}

	projector := service.NewLedgerProjector(redisCache, rec, lg)
	bus := initEventBus(ctx, cfg, projector, lg)

	policy, err := domain.ParseDeductPolicy(cfg.Engine.DeductPolicy)
	if err != nil {
		bus.close(lg)
		return nil, nil, err
	}
	engine := service.NewReservationEngine(ledgers, locker, bus.publisher, rec, lg, service.EngineOptions{
		WaitBudget:       cfg.Lock.WaitBudget,
		LockTTL:          cfg.Lock.TTL,
		OperationTimeout: cfg.Engine.OperationTimeout,
		DeductPolicy:     policy,
	})
	ledgerService := service.NewLedgerService(ledgers, projector, bus.publisher, locker, lg)

	gate, err := initGate(cfg, client, rec, lg)
	if err != nil {
		bus.close(lg)
		return nil, nil, err
	}

	deps := &router.Dependencies{
		LedgerHandler: api.NewLedgerHandler(engine, ledgerService, lg),
		HealthHandler: api.NewHealthHandler(cfg.App.Version, healthChecks(
			db.PingContext,
			func(ctx context.Context) error { return client.Ping(ctx).Err() },
			bus.conn,
		)),
		Gate:             gate,
		IdempotencyStore: redisCache,
		Metrics:          rec,
	}
	if v := service.NewTokenVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, lg); v.Enabled() {
		deps.Verifier = v
	} else {
		lg.Warn("jwt secret not configured, admin endpoints are unavailable")
	}
	return deps, bus, nil
}

// serve 运行 HTTP 服务与事件消费者，收到退出信号后优雅关闭
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, consumer *mq.EventConsumer, lg *zap.Logger) error {
	addr := fmt.Sprintf(":%d", cfg.App.Port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if consumer != nil {
		// 消费者退出只影响读模型，HTTP 服务继续运行
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil {
				lg.Error("ledger event consumer stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	lg.Info("server exited")
	return err
}

func run() error {
	cfg, lg, err := initConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := initDatabase(cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			lg.Error("failed to close database connection", zap.Error(err))
		}
	}()

	client, err := initRedis(cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			lg.Error("failed to close redis client", zap.Error(err))
		}
	}()

	deps, bus, err := initDependencies(ctx, cfg, db, client, lg)
	if err != nil {
		return err
	}
	defer bus.close(lg)

	handler := router.New().Setup(cfg, deps, lg)
	if err := serve(ctx, cfg, handler, bus.consumer, lg); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("server stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("inventory-server: %v", err)
	}
}
