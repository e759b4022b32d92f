package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowBuckets 滑动窗口被切分的子窗口数
const slidingWindowBuckets = 10

// 子窗口计数存于 hash，field 为子窗口序号，过期的子窗口在每次调用时清理
var slidingWindowScript = redis.NewScript(`
-- KEYS[1]: 计数 key
-- ARGV: 上限, 窗口毫秒, 子窗口毫秒, 请求数, 当前毫秒
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local bucket = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local span = math.ceil(window / bucket)
local current = math.floor(now / bucket)
local oldest = current - span + 1

local fields = redis.call('HGETALL', key)
local total = 0
local earliest = nil
for i = 1, #fields, 2 do
    local idx = tonumber(fields[i])
    if idx < oldest then
        redis.call('HDEL', key, fields[i])
    else
        total = total + tonumber(fields[i + 1])
        if earliest == nil or idx < earliest then
            earliest = idx
        end
    end
end

if total + requested > limit then
    local retry = bucket
    if earliest ~= nil then
        retry = (earliest + span) * bucket - now
    end
    if retry < 1 then
        retry = 1
    end
    return {0, limit - total, retry}
end

redis.call('HINCRBY', key, tostring(current), requested)
redis.call('PEXPIRE', key, window + bucket)
return {1, limit - total - requested, 0}
`)

// SlidingWindowLimiter 分桶滑动窗口，平滑固定窗口在边界处的突刺
type SlidingWindowLimiter struct {
	client   redis.Cmdable
	config   Config
	bucketMS int64
	now      func() time.Time
}

func newSlidingWindow(client redis.Cmdable, cfg Config, now func() time.Time) *SlidingWindowLimiter {
	bucket := cfg.Window.Milliseconds() / slidingWindowBuckets
	if bucket < 1 {
		bucket = 1
	}
	return &SlidingWindowLimiter{client: client, config: cfg, bucketMS: bucket, now: now}
}

// Allow 检查是否允许请求通过
func (sw *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return sw.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许 n 个请求通过
func (sw *SlidingWindowLimiter) AllowN(ctx context.Context, key string, n int64) (*LimitResult, error) {
	if err := validN(n); err != nil {
		return nil, err
	}
	res, err := slidingWindowScript.Run(ctx, sw.client,
		[]string{sw.config.key("sw", key)},
		sw.config.Rate,
		sw.config.Window.Milliseconds(),
		sw.bucketMS,
		n,
		sw.now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("run sliding window script: %w", err)
	}
	return parseScriptResult(res, sw.config.Rate)
}

// Reset 清空窗口内所有子窗口计数
func (sw *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	if err := sw.client.Del(ctx, sw.config.key("sw", key)).Err(); err != nil {
		return fmt.Errorf("reset sliding window: %w", err)
	}
	return nil
}
