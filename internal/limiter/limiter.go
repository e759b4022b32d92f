// Package limiter 提供基于 Redis 的分布式限流算法以及按接口类别生效的流控网关
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidConfig 限流配置不合法
var ErrInvalidConfig = errors.New("invalid limiter config")

// LimitResult 限流结果
type LimitResult struct {
	Allowed    bool          `json:"allowed"`     // 是否允许通过
	Limit      int64         `json:"limit"`       // 窗口内的配额上限
	Remaining  int64         `json:"remaining"`   // 剩余配额
	RetryAfter time.Duration `json:"retry_after"` // 建议重试时间
}

// Limiter 限流器接口
type Limiter interface {
	// Allow 检查是否允许一个请求通过
	Allow(ctx context.Context, key string) (*LimitResult, error)

	// AllowN 检查是否允许 n 个请求通过
	AllowN(ctx context.Context, key string, n int64) (*LimitResult, error)

	// Reset 清除 key 的限流状态
	Reset(ctx context.Context, key string) error
}

// Config 限流配置
type Config struct {
	Rate      int64         `json:"rate"`       // 每个窗口放行的请求数
	Window    time.Duration `json:"window"`     // 时间窗口
	Burst     int64         `json:"burst"`      // 令牌桶容量，0 表示等于 Rate
	KeyPrefix string        `json:"key_prefix"` // Redis key 前缀
}

func (c Config) validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidConfig)
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms", ErrInvalidConfig)
	}
	if c.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) key(kind, key string) string {
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}
	return prefix + ":" + kind + ":" + key
}

// Algorithm 限流算法
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"   // 令牌桶
	FixedWindow   Algorithm = "fixed_window"   // 固定窗口
	SlidingWindow Algorithm = "sliding_window" // 滑动窗口
)

func (a Algorithm) valid() bool {
	switch a {
	case TokenBucket, FixedWindow, SlidingWindow:
		return true
	}
	return false
}

// Factory 限流器工厂，所有限流器共享同一个 Redis 客户端
type Factory struct {
	client redis.Cmdable
	now    func() time.Time
}

// FactoryOption 工厂选项
type FactoryOption func(*Factory)

// WithClock 替换时钟，测试中用于控制窗口推进
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// NewFactory 创建限流器工厂
func NewFactory(client redis.Cmdable, opts ...FactoryOption) *Factory {
	f := &Factory{client: client, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create 创建指定算法的限流器
func (f *Factory) Create(alg Algorithm, cfg Config) (Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch alg {
	case TokenBucket:
		return newTokenBucket(f.client, cfg, f.now), nil
	case FixedWindow:
		return newFixedWindow(f.client, cfg, f.now), nil
	case SlidingWindow:
		return newSlidingWindow(f.client, cfg, f.now), nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidConfig, alg)
	}
}

// parseScriptResult 解析脚本返回的 {allowed, remaining, retry_after_ms}
func parseScriptResult(v any, limit int64) (*LimitResult, error) {
	vals, ok := v.([]any)
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected limiter script result: %v", v)
	}
	nums := make([]int64, len(vals))
	for i, raw := range vals {
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected limiter script value %v at %d", raw, i)
		}
		nums[i] = n
	}
	remaining := nums[1]
	if remaining < 0 {
		remaining = 0
	}
	return &LimitResult{
		Allowed:    nums[0] == 1,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: time.Duration(nums[2]) * time.Millisecond,
	}, nil
}

func validN(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: n must be positive", ErrInvalidConfig)
	}
	return nil
}
