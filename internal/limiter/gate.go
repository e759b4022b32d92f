package limiter

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/metrics"
	"github.com/MorseWayne/stock_reserve/internal/middleware"
	"github.com/MorseWayne/stock_reserve/internal/resp"
)

// 网关判定结果，用作指标标签
const (
	decisionAllow  = "allow"
	decisionReject = "reject"
	decisionError  = "error"
)

// defaultStoreTimeout 限流存储的单次调用上限，超时按放行处理
const defaultStoreTimeout = 200 * time.Millisecond

// CallerFunc 从请求中提取调用方标识
type CallerFunc func(c *gin.Context) string

// Gate 按接口类别流控，每个类别一个限流器
type Gate struct {
	limiters     map[string]Limiter
	caller       CallerFunc
	storeTimeout time.Duration
	metrics      *metrics.Recorder
	logger       *zap.Logger
}

// GateOption 网关选项
type GateOption func(*Gate)

// WithCaller 设置调用方提取函数，默认使用客户端 IP
func WithCaller(fn CallerFunc) GateOption {
	return func(g *Gate) { g.caller = fn }
}

// WithStoreTimeout 设置单次限流调用超时
func WithStoreTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.storeTimeout = d }
}

// NewGate 根据规则为每个类别创建限流器
func NewGate(f *Factory, rules *RuleSet, rec *metrics.Recorder, logger *zap.Logger, opts ...GateOption) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		limiters:     make(map[string]Limiter, len(rules.Categories)),
		caller:       clientIP,
		storeTimeout: defaultStoreTimeout,
		metrics:      rec,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, name := range rules.Names() {
		rule := rules.Categories[name]
		l, err := f.Create(rule.Algorithm, rules.config(rule))
		if err != nil {
			return nil, err
		}
		g.limiters[name] = l
		logger.Info("flow rule loaded",
			zap.String("category", name),
			zap.String("algorithm", string(rule.Algorithm)),
			zap.Int64("rate", rule.Rate),
			zap.Duration("window", rule.Window))
	}
	return g, nil
}

// Middleware 返回某个类别的 gin 中间件，未配置规则的类别直接放行
func (g *Gate) Middleware(category string) gin.HandlerFunc {
	l, ok := g.limiters[category]
	if !ok {
		g.logger.Warn("no flow rule for category, gate disabled", zap.String("category", category))
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		caller := g.caller(c)
		ctx, cancel := context.WithTimeout(c.Request.Context(), g.storeTimeout)
		res, err := l.Allow(ctx, category+":"+caller)
		cancel()

		if err != nil {
			// 限流存储故障时放行，让引擎自己的基础设施错误路径兜底
			g.metrics.GateDecision(category, decisionError)
			g.logger.Warn("flow gate store error, failing open",
				zap.String("category", category),
				zap.String("caller", caller),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			g.metrics.GateDecision(category, decisionReject)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			resp.Error(c.Writer, http.StatusTooManyRequests, resp.CodeTooManyRequests,
				"too many requests, retry later",
				middleware.RequestIDFromContext(c.Request.Context()), "")
			c.Abort()
			return
		}

		g.metrics.GateDecision(category, decisionAllow)
		c.Next()
	}
}

func clientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// retryAfterSeconds Retry-After 头以秒为单位，至少为 1
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
