package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// versionSuffix 版本水位键的后缀，水位与数据键一一对应
const versionSuffix = "#ver"

// Tombstone 作为 DeleteVersioned 的版本时，之后的任何版本化写入都会被丢弃
const Tombstone int64 = 1<<63 - 1

// KEYS: 数据键, 水位键; ARGV: 数据, 版本, 过期毫秒(0 不过期)
var setVersionedScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[2])
if cur and tonumber(ARGV[2]) < tonumber(cur) then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
	redis.call("SET", KEYS[2], ARGV[2], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[1])
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: 数据键, 水位键; ARGV: 版本, 过期毫秒(0 不过期)
var deleteVersionedScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[2])
if not cur or tonumber(ARGV[1]) > tonumber(cur) then
	local ttl = tonumber(ARGV[2])
	if ttl > 0 then
		redis.call("SET", KEYS[2], ARGV[1], "PX", ttl)
	else
		redis.call("SET", KEYS[2], ARGV[1])
	end
end
return redis.call("DEL", KEYS[1])
`)

// KEYS: 哈希, 版本哈希; ARGV: 字段, 数据, 版本
var hsetVersionedScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[2], ARGV[1])
if cur and tonumber(ARGV[3]) < tonumber(cur) then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// KEYS: 集合, 版本哈希; ARGV: 成员, 是否在集合中("1"/"0"), 版本
var setMemberVersionedScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[2], ARGV[1])
if cur and tonumber(ARGV[3]) < tonumber(cur) then
	return 0
end
if ARGV[2] == "1" then
	redis.call("SADD", KEYS[1], ARGV[1])
else
	redis.call("SREM", KEYS[1], ARGV[1])
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

func (r *RedisCache) versionKeys(key string) []string {
	return []string{r.key(key), r.key(key + versionSuffix)}
}

// SetVersioned 仅当 version 不低于该键的水位时写入，返回是否写入。
// 水位与值使用相同的过期时间。
func (r *RedisCache) SetVersioned(ctx context.Context, key string, value any, version int64, expiration time.Duration) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	n, err := setVersionedScript.Run(ctx, r.client, r.versionKeys(key), data, version, expiration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to set versioned %s: %w", key, err)
	}
	return n == 1, nil
}

// DeleteVersioned 删除值并把水位抬到 version，之后低于该版本的 SetVersioned 不再生效
func (r *RedisCache) DeleteVersioned(ctx context.Context, key string, version int64, expiration time.Duration) error {
	if err := deleteVersionedScript.Run(ctx, r.client, r.versionKeys(key), version, expiration.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to delete versioned %s: %w", key, err)
	}
	return nil
}

// HSetVersioned 按字段维护水位，version 低于字段水位时不写
func (r *RedisCache) HSetVersioned(ctx context.Context, key, field string, value any, version int64) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	n, err := hsetVersionedScript.Run(ctx, r.client, r.versionKeys(key), field, data, version).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to hset versioned %s: %w", key, err)
	}
	return n == 1, nil
}

// SetMemberVersioned 按成员维护水位，present 决定加入还是移出集合
func (r *RedisCache) SetMemberVersioned(ctx context.Context, key string, member any, present bool, version int64) (bool, error) {
	data, err := encode(member)
	if err != nil {
		return false, err
	}
	flag := "0"
	if present {
		flag = "1"
	}
	n, err := setMemberVersionedScript.Run(ctx, r.client, r.versionKeys(key), data, flag, version).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to update versioned member %s: %w", key, err)
	}
	return n == 1, nil
}
