package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix 缓存键统一前缀，避免与锁、限流等共享同一 Redis 的键冲突
const KeyPrefix = "cache:"

// scan 每批数量
const scanBatch = 200

// RedisOptions Redis 客户端参数
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// NewRedisClient 创建共享的 Redis 客户端并检查连通性
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		// 连接池配置
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		MaxIdleConns: opts.PoolSize,

		// 超时配置
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,

		// 重试配置
		MaxRetries:      opts.MaxRetries,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisCache Redis 缓存实现
type RedisCache struct {
	client redis.Cmdable // 使用接口，支持单实例和集群
	prefix string
}

// NewRedisCache 基于已有客户端创建缓存
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client, prefix: KeyPrefix}
}

func (r *RedisCache) key(k string) string {
	return r.prefix + k
}

// Get 获取缓存值
func (r *RedisCache) Get(ctx context.Context, key string, dest any) error {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return decode(key, val, dest)
}

// Set 设置缓存值
func (r *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete 删除缓存值
func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Exists 检查键是否存在
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key existence: %w", err)
	}
	return count > 0, nil
}

// Expire 设置过期时间
func (r *RedisCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	ok, err := r.client.Expire(ctx, r.key(key), expiration).Result()
	if err != nil {
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// TTL 获取剩余过期时间；键不存在返回 ErrNotFound，未设置过期返回 -1
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl of %s: %w", key, err)
	}
	if d == -2 {
		return 0, ErrNotFound
	}
	return d, nil
}

// SetNX 仅当键不存在时设置
func (r *RedisCache) SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	success, err := r.client.SetNX(ctx, r.key(key), data, expiration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return success, nil
}

// Keys 用 SCAN 按模式列出键，返回值不含前缀
func (r *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := r.scan(ctx, pattern, func(batch []string) error {
		for _, k := range batch {
			out = append(out, strings.TrimPrefix(k, r.prefix))
		}
		return nil
	})
	return out, err
}

// DeleteByPattern 用 SCAN 分批删除匹配的键，返回删除数量
func (r *RedisCache) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	err := r.scan(ctx, pattern, func(batch []string) error {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
		deleted += n
		return nil
	})
	return deleted, err
}

func (r *RedisCache) scan(ctx context.Context, pattern string, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.key(pattern), scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// RPush 追加到列表尾部
func (r *RedisCache) RPush(ctx context.Context, key string, values ...any) (int64, error) {
	args, err := encodeAll(values)
	if err != nil {
		return 0, err
	}
	n, err := r.client.RPush(ctx, r.key(key), args...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to rpush %s: %w", key, err)
	}
	return n, nil
}

// LRange 读取列表区间，返回原始 JSON
func (r *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, r.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return vals, nil
}

// LTrim 裁剪列表
func (r *RedisCache) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.client.LTrim(ctx, r.key(key), start, stop).Err(); err != nil {
		return fmt.Errorf("failed to ltrim %s: %w", key, err)
	}
	return nil
}

// LLen 列表长度
func (r *RedisCache) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to llen %s: %w", key, err)
	}
	return n, nil
}

// SAdd 添加集合成员
func (r *RedisCache) SAdd(ctx context.Context, key string, members ...any) error {
	args, err := encodeAll(members)
	if err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, r.key(key), args...).Err(); err != nil {
		return fmt.Errorf("failed to sadd %s: %w", key, err)
	}
	return nil
}

// SRem 移除集合成员
func (r *RedisCache) SRem(ctx context.Context, key string, members ...any) error {
	args, err := encodeAll(members)
	if err != nil {
		return err
	}
	if err := r.client.SRem(ctx, r.key(key), args...).Err(); err != nil {
		return fmt.Errorf("failed to srem %s: %w", key, err)
	}
	return nil
}

// SMembers 读取全部集合成员，返回原始 JSON
func (r *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := r.client.SMembers(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	return vals, nil
}

// SIsMember 判断是否为集合成员
func (r *RedisCache) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	data, err := encode(member)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SIsMember(ctx, r.key(key), data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to sismember %s: %w", key, err)
	}
	return ok, nil
}

// HSet 设置哈希字段
func (r *RedisCache) HSet(ctx context.Context, key, field string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key(key), field, data).Err(); err != nil {
		return fmt.Errorf("failed to hset %s: %w", key, err)
	}
	return nil
}

// HGet 读取并解码哈希字段
func (r *RedisCache) HGet(ctx context.Context, key, field string, dest any) error {
	val, err := r.client.HGet(ctx, r.key(key), field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to hget %s: %w", key, err)
	}
	return decode(key+"#"+field, val, dest)
}

// HGetAll 读取全部字段，返回原始 JSON
func (r *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}
	return vals, nil
}

// HDel 删除哈希字段
func (r *RedisCache) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.key(key), fields...).Err(); err != nil {
		return fmt.Errorf("failed to hdel %s: %w", key, err)
	}
	return nil
}

// Ping 检查连接
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭连接
func (r *RedisCache) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		return client.Close()
	}
	return nil
}

func encodeAll(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		data, err := encode(v)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}
