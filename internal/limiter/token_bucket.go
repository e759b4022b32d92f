package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 令牌以毫秒精度连续补充，桶中保留小数令牌
var tokenBucketScript = redis.NewScript(`
-- KEYS[1]: 桶 key
-- ARGV: 容量, 每窗口补充数, 窗口毫秒, 请求令牌数, 当前毫秒
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1]) or capacity
local ts = tonumber(bucket[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate / window)

local allowed = 0
local retry = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    retry = math.ceil((requested - tokens) * window / rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', key, math.ceil(capacity * window / rate) + window)
return {allowed, math.floor(tokens), retry}
`)

// TokenBucketLimiter 令牌桶限流器，容量为 Burst，每个 Window 补充 Rate 个令牌
type TokenBucketLimiter struct {
	client redis.Cmdable
	config Config
	now    func() time.Time
}

func newTokenBucket(client redis.Cmdable, cfg Config, now func() time.Time) *TokenBucketLimiter {
	if cfg.Burst == 0 {
		cfg.Burst = cfg.Rate
	}
	return &TokenBucketLimiter{client: client, config: cfg, now: now}
}

// Allow 检查是否允许请求通过
func (tb *TokenBucketLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return tb.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许 n 个请求通过，n 超过容量时永远不会放行
func (tb *TokenBucketLimiter) AllowN(ctx context.Context, key string, n int64) (*LimitResult, error) {
	if err := validN(n); err != nil {
		return nil, err
	}
	res, err := tokenBucketScript.Run(ctx, tb.client,
		[]string{tb.config.key("tb", key)},
		tb.config.Burst,
		tb.config.Rate,
		tb.config.Window.Milliseconds(),
		n,
		tb.now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("run token bucket script: %w", err)
	}
	return parseScriptResult(res, tb.config.Burst)
}

// Reset 重置令牌桶
func (tb *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	if err := tb.client.Del(ctx, tb.config.key("tb", key)).Err(); err != nil {
		return fmt.Errorf("reset token bucket: %w", err)
	}
	return nil
}
