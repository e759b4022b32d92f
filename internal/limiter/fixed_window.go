package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 窗口起点与计数存于同一个 hash，窗口切换时计数归零
var fixedWindowScript = redis.NewScript(`
-- KEYS[1]: 计数 key
-- ARGV: 上限, 窗口毫秒, 请求数, 当前毫秒
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local start = math.floor(now / window) * window
local state = redis.call('HMGET', key, 'start', 'count')
local count = 0
if tonumber(state[1]) == start then
    count = tonumber(state[2]) or 0
end

if count + requested > limit then
    return {0, limit - count, start + window - now}
end

count = count + requested
redis.call('HSET', key, 'start', tostring(start), 'count', tostring(count))
redis.call('PEXPIRE', key, start + window - now)
return {1, limit - count, 0}
`)

// FixedWindowLimiter 固定窗口计数器，每个 Window 至多放行 Rate 个请求
type FixedWindowLimiter struct {
	client redis.Cmdable
	config Config
	now    func() time.Time
}

func newFixedWindow(client redis.Cmdable, cfg Config, now func() time.Time) *FixedWindowLimiter {
	return &FixedWindowLimiter{client: client, config: cfg, now: now}
}

// Allow 检查是否允许请求通过
func (fw *FixedWindowLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return fw.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许 n 个请求通过
func (fw *FixedWindowLimiter) AllowN(ctx context.Context, key string, n int64) (*LimitResult, error) {
	if err := validN(n); err != nil {
		return nil, err
	}
	res, err := fixedWindowScript.Run(ctx, fw.client,
		[]string{fw.config.key("fw", key)},
		fw.config.Rate,
		fw.config.Window.Milliseconds(),
		n,
		fw.now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("run fixed window script: %w", err)
	}
	return parseScriptResult(res, fw.config.Rate)
}

// Reset 清空当前窗口计数
func (fw *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	if err := fw.client.Del(ctx, fw.config.key("fw", key)).Err(); err != nil {
		return fmt.Errorf("reset fixed window: %w", err)
	}
	return nil
}
