// Package cache 提供带命名空间前缀的类型化共享缓存。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 键不存在
	ErrNotFound = errors.New("cache: key not found")
	// ErrDecode 值无法按目标类型解码
	ErrDecode = errors.New("cache: decode failed")
)

// DecodeError 解码失败的详细信息
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cache: decode %s: %v", e.Key, e.Err)
}

// Unwrap 同时暴露 ErrDecode 与底层 JSON 错误
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Cache 定义缓存操作接口。所有值统一使用 JSON 编码。
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)

	// 列表
	RPush(ctx context.Context, key string, values ...any) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// 集合
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member any) (bool, error)

	// 哈希
	HSet(ctx context.Context, key, field string, value any) error
	HGet(ctx context.Context, key, field string, dest any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// 版本化写入：每个键或成员记录见过的最高版本，低于该版本的写入被丢弃
	SetVersioned(ctx context.Context, key string, value any, version int64, expiration time.Duration) (bool, error)
	DeleteVersioned(ctx context.Context, key string, version int64, expiration time.Duration) error
	HSetVersioned(ctx context.Context, key, field string, value any, version int64) (bool, error)
	SetMemberVersioned(ctx context.Context, key string, member any, present bool, version int64) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config 缓存配置
type Config struct {
	Enabled bool
	TTL     time.Duration
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}

func decode(key string, raw []byte, dest any) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return &DecodeError{Key: key, Err: err}
	}
	return nil
}

// Typed 在 Cache 之上提供按类型 T 编解码的视图
type Typed[T any] struct {
	c Cache
}

// NewTyped 创建类型化视图
func NewTyped[T any](c Cache) *Typed[T] {
	return &Typed[T]{c: c}
}

// Get 读取并解码，键不存在时返回 ErrNotFound
func (t *Typed[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	err := t.c.Get(ctx, key, &v)
	return v, err
}

// Set 写入值，expiration 为 0 表示不过期
func (t *Typed[T]) Set(ctx context.Context, key string, v T, expiration time.Duration) error {
	return t.c.Set(ctx, key, v, expiration)
}

// Push 追加到列表尾部
func (t *Typed[T]) Push(ctx context.Context, key string, values ...T) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return t.c.RPush(ctx, key, args...)
}

// Range 读取列表区间并逐项解码
func (t *Typed[T]) Range(ctx context.Context, key string, start, stop int64) ([]T, error) {
	raw, err := t.c.LRange(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](key, raw)
}

// Members 读取集合成员并逐项解码
func (t *Typed[T]) Members(ctx context.Context, key string) ([]T, error) {
	raw, err := t.c.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](key, raw)
}

// Fields 读取哈希全部字段并逐项解码
func (t *Typed[T]) Fields(ctx context.Context, key string) (map[string]T, error) {
	raw, err := t.c.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for field, s := range raw {
		var v T
		if err := decode(key+"#"+field, []byte(s), &v); err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

func decodeAll[T any](key string, raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, s := range raw {
		var v T
		if err := decode(key, []byte(s), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
