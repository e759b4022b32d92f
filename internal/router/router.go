// Package router 提供 HTTP 路由设置和中间件配置功能
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/api"
	"github.com/MorseWayne/stock_reserve/internal/config"
	"github.com/MorseWayne/stock_reserve/internal/limiter"
	"github.com/MorseWayne/stock_reserve/internal/metrics"
	"github.com/MorseWayne/stock_reserve/internal/middleware"
	"github.com/MorseWayne/stock_reserve/internal/resp"
)

// Dependencies 包含路由设置所需的所有依赖
type Dependencies struct {
	LedgerHandler *api.LedgerHandler
	HealthHandler *api.HealthHandler
	// Gate 为 nil 时不做流控
	Gate *limiter.Gate
	// Verifier 为 nil 时所有请求按匿名处理，管理接口不可用
	Verifier middleware.TokenVerifier
	// IdempotencyStore 为 nil 时不启用写接口幂等
	IdempotencyStore middleware.IdempotencyStore
	Metrics          *metrics.Recorder
}

// Router 路由器接口
type Router interface {
	Setup(cfg *config.Config, deps *Dependencies, lg *zap.Logger) http.Handler
}

// GinRouter Gin路由器实现
type GinRouter struct {
	engine *gin.Engine
	deps   *Dependencies
	logger *zap.Logger
}

// New 创建新的路由器实例
func New() Router {
	return &GinRouter{}
}

// Setup 注册路由，并在 gin 引擎外层套上 net/http 中间件链：
// RequestID -> Recovery -> Timeout -> CORS -> AccessLog -> Identify -> gin
func (r *GinRouter) Setup(cfg *config.Config, deps *Dependencies, lg *zap.Logger) http.Handler {
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	r.engine = gin.New()
	r.deps = deps
	r.logger = lg

	r.setupRoutes(cfg)

	var h http.Handler = r.engine
	if deps.Verifier != nil {
		h = middleware.Identify(deps.Verifier, lg)(h)
	}
	h = middleware.AccessLog(lg)(h)
	h = middleware.CORS(middleware.CORSOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
	})(h)
	h = middleware.Timeout(cfg.App.RequestTimeout)(h)
	h = middleware.Recovery(lg)(h)
	return middleware.RequestID(h)
}

// setupRoutes 设置所有路由，流控先于鉴权与业务处理执行
func (r *GinRouter) setupRoutes(cfg *config.Config) {
	h := r.deps.LedgerHandler

	r.engine.GET("/healthz", r.deps.HealthHandler.Liveness)
	r.engine.GET("/readyz", r.deps.HealthHandler.Readiness)
	if cfg.Metrics.Enabled {
		r.engine.GET(cfg.Metrics.Path, gin.WrapH(r.deps.Metrics.Handler()))
	}
	r.engine.NoRoute(r.notFound)

	write := r.gate(limiter.CategoryInventoryWrite)
	read := r.gate(limiter.CategoryInventoryRead)
	adminGate := r.gate(limiter.CategoryInventoryAdmin)
	idem := r.idempotency(cfg)

	v1 := r.engine.Group("/api/v1")
	{
		inventory := v1.Group("/inventory")
		{
			inventory.POST("", adminGate, idem, h.Create)
			inventory.GET("", read, h.List)
			inventory.GET("/:id", read, h.Get)
			inventory.GET("/:id/movements", read, h.Movements)
			inventory.POST("/:id/reserve", write, idem, h.Reserve)
			inventory.POST("/:id/deduct", write, idem, h.Deduct)
			inventory.POST("/:id/release", write, idem, h.Release)
		}

		warehouses := v1.Group("/warehouses/:warehouseId")
		{
			warehouses.GET("/sold-out", read, h.SoldOut)
			warehouses.GET("/available", read, h.Available)
		}

		admin := v1.Group("/admin")
		admin.Use(adminGate, middleware.RequireAdmin(r.logger))
		{
			admin.GET("/locks/:id", h.LockStatus)
			admin.DELETE("/locks/:id", h.ForceUnlock)
		}
	}
}

// gate 返回某个类别的流控中间件，未启用流控时直接放行
func (r *GinRouter) gate(category string) gin.HandlerFunc {
	if r.deps.Gate == nil {
		return passThrough
	}
	return r.deps.Gate.Middleware(category)
}

func (r *GinRouter) idempotency(cfg *config.Config) gin.HandlerFunc {
	if r.deps.IdempotencyStore == nil || cfg.Cache.IdempotencyTTL <= 0 {
		return passThrough
	}
	return middleware.Idempotency(r.deps.IdempotencyStore, cfg.Cache.IdempotencyTTL, r.logger)
}

func (r *GinRouter) notFound(c *gin.Context) {
	resp.Error(c.Writer, http.StatusNotFound, resp.CodeNotFound, "route not found",
		middleware.RequestIDFromContext(c.Request.Context()), "")
}

func passThrough(c *gin.Context) {
	c.Next()
}
