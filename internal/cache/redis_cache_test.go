package cache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCache(client)
}

func TestRedisCache_Basic(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k1", item{Name: "test", Count: 123}, time.Minute))

		var got item
		require.NoError(t, c.Get(ctx, "k1", &got))
		assert.Equal(t, item{Name: "test", Count: 123}, got)

		assert.True(t, mr.Exists("cache:k1"), "keys must carry the cache prefix")
		assert.False(t, mr.Exists("k1"))
	})

	t.Run("Get missing", func(t *testing.T) {
		var got item
		err := c.Get(ctx, "missing", &got)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Decode error is distinct from not found", func(t *testing.T) {
		require.NoError(t, mr.Set("cache:garbage", "{not json"))

		var got item
		err := c.Get(ctx, "garbage", &got)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecode)
		assert.False(t, errors.Is(err, ErrNotFound))

		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "garbage", de.Key)
	})

	t.Run("Exists and Delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k2", "value", 0))

		ok, err := c.Exists(ctx, "k2")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, c.Delete(ctx, "k2"))
		ok, err = c.Exists(ctx, "k2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := c.SetNX(ctx, "k3", "first", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.SetNX(ctx, "k3", "second", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		var got string
		require.NoError(t, c.Get(ctx, "k3", &got))
		assert.Equal(t, "first", got)
	})
}

func TestRedisCache_ExpireAndTTL(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, 0))

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	require.NoError(t, c.Expire(ctx, "k", 10*time.Second))
	ttl, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	mr.FastForward(11 * time.Second)

	_, err = c.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.Expire(ctx, "k", time.Second), ErrNotFound)
}

func TestRedisCache_KeysAndDeleteByPattern(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"ledger:1", "ledger:2", "ledger:3", "other:1"} {
		require.NoError(t, c.Set(ctx, k, k, 0))
	}
	// 前缀外的键不受影响
	require.NoError(t, mr.Set("lock:ledger:1", "tok"))

	keys, err := c.Keys(ctx, "ledger:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"ledger:1", "ledger:2", "ledger:3"}, keys)

	n, err := c.DeleteByPattern(ctx, "ledger:*")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	keys, err = c.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"other:1"}, keys)
	assert.True(t, mr.Exists("lock:ledger:1"))
}

func TestRedisCache_Collections(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	t.Run("list", func(t *testing.T) {
		n, err := c.RPush(ctx, "events", item{Name: "a"}, item{Name: "b"}, item{Name: "c"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		require.NoError(t, c.LTrim(ctx, "events", -2, -1))
		l, err := c.LLen(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, int64(2), l)

		got, err := NewTyped[item](c).Range(ctx, "events", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []item{{Name: "b"}, {Name: "c"}}, got)
	})

	t.Run("set", func(t *testing.T) {
		require.NoError(t, c.SAdd(ctx, "soldout", "A1", "B2"))
		ok, err := c.SIsMember(ctx, "soldout", "A1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, c.SRem(ctx, "soldout", "A1"))
		members, err := NewTyped[string](c).Members(ctx, "soldout")
		require.NoError(t, err)
		assert.Equal(t, []string{"B2"}, members)
	})

	t.Run("hash", func(t *testing.T) {
		require.NoError(t, c.HSet(ctx, "available", "A1", 70))
		require.NoError(t, c.HSet(ctx, "available", "B2", 0))

		var a1 int
		require.NoError(t, c.HGet(ctx, "available", "A1", &a1))
		assert.Equal(t, 70, a1)

		var missing int
		assert.ErrorIs(t, c.HGet(ctx, "available", "Z9", &missing), ErrNotFound)

		require.NoError(t, c.HDel(ctx, "available", "B2"))
		fields, err := NewTyped[int](c).Fields(ctx, "available")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"A1": 70}, fields)
	})
}

func TestTyped_GetSet(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()
	typed := NewTyped[item](c)

	require.NoError(t, typed.Set(ctx, "it", item{Name: "x", Count: 2}, time.Minute))
	got, err := typed.Get(ctx, "it")
	require.NoError(t, err)
	assert.Equal(t, item{Name: "x", Count: 2}, got)

	_, err = typed.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mr.Set("cache:bad", `{"count":"nan"}`))
	_, err = typed.Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRedisCache_StoreError(t *testing.T) {
	mr, c := newTestCache(t)
	mr.Close()

	var got item
	err := c.Get(context.Background(), "k", &got)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
