// Package lock 基于 Redis 实现带 TTL 和持有者令牌的分布式互斥锁。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix            = "lock:"
	defaultRetryInterval = 50 * time.Millisecond
)

var (
	// ErrStore Redis 连接或命令失败，与"锁未持有"严格区分
	ErrStore = errors.New("lock store error")
	// ErrNotAcquired 在等待预算内未获得锁
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrInvalidArgument 键、令牌或 TTL 不合法
	ErrInvalidArgument = errors.New("invalid lock argument")
)

// 仅当值仍等于令牌时删除
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// 仅当值仍等于令牌时刷新过期时间
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLock 分布式锁，锁、缓存与限流共享同一个 Redis 客户端
type RedisLock struct {
	client        redis.Cmdable
	retryInterval time.Duration
}

// Option 配置 RedisLock
type Option func(*RedisLock)

// WithRetryInterval 设置 AcquireWithTimeout 的轮询间隔
func WithRetryInterval(d time.Duration) Option {
	return func(l *RedisLock) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// NewRedisLock 创建分布式锁
func NewRedisLock(client redis.Cmdable, opts ...Option) *RedisLock {
	l := &RedisLock{client: client, retryInterval: defaultRetryInterval}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewToken 生成随机持有者令牌
func NewToken() string {
	return uuid.NewString()
}

// TryAcquire 尝试一次 SET NX PX，不阻塞
func (l *RedisLock) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, storeErr("acquire", key, err)
	}
	return ok, nil
}

// AcquireWithTimeout 以固定间隔轮询 TryAcquire，直到成功或 wait 用尽。
// 预算用尽返回 (false, nil)；ctx 取消时立即返回 (false, ctx.Err())。
func (l *RedisLock) AcquireWithTimeout(ctx context.Context, key, token string, ttl, wait time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := l.TryAcquire(ctx, key, token, ttl)
		if err != nil {
			// 取消导致的命令失败按取消处理
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release 原子地比较并删除。锁已过期或被他人持有时返回 (false, nil)。
func (l *RedisLock) Release(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, fmt.Errorf("%w: key and token are required", ErrInvalidArgument)
	}
	n, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, token).Int64()
	if err != nil {
		return false, storeErr("release", key, err)
	}
	return n == 1, nil
}

// Extend 原子地比较并刷新过期时间
func (l *RedisLock) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	n, err := extendScript.Run(ctx, l.client, []string{keyPrefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, storeErr("extend", key, err)
	}
	return n == 1, nil
}

// ForceRelease 无条件删除锁，仅供管理操作使用
func (l *RedisLock) ForceRelease(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidArgument)
	}
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return storeErr("force release", key, err)
	}
	return nil
}

// TTL 返回锁的剩余有效期；未被持有时 held 为 false
func (l *RedisLock) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if key == "" {
		return 0, false, fmt.Errorf("%w: key is required", ErrInvalidArgument)
	}
	d, err := l.client.PTTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, false, storeErr("ttl", key, err)
	}
	// go-redis 对 -2（不存在）和 -1（无过期时间）原样返回
	switch {
	case d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	default:
		return d, true, nil
	}
}

// Handle 已获得的锁
type Handle struct {
	Key   string
	Token string
	TTL   time.Duration
	lock  *RedisLock
}

// Obtain 生成令牌并在 wait 内获取锁，竞争失败返回 ErrNotAcquired
func (l *RedisLock) Obtain(ctx context.Context, key string, ttl, wait time.Duration) (*Handle, error) {
	token := NewToken()
	ok, err := l.AcquireWithTimeout(ctx, key, token, ttl, wait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	return &Handle{Key: key, Token: token, TTL: ttl, lock: l}, nil
}

// Release 释放自己持有的锁
func (h *Handle) Release(ctx context.Context) (bool, error) {
	return h.lock.Release(ctx, h.Key, h.Token)
}

// Extend 续期自己持有的锁
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := h.lock.Extend(ctx, h.Key, h.Token, ttl)
	if ok {
		h.TTL = ttl
	}
	return ok, err
}

func validate(key, token string, ttl time.Duration) error {
	if key == "" || token == "" {
		return fmt.Errorf("%w: key and token are required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidArgument, ttl)
	}
	return nil
}

func storeErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStore, op, key, err)
}
