package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/cache"
)

func newIdempotentServer(t *testing.T, status *atomic.Int32) (http.Handler, *miniredis.Miniredis, *atomic.Int32) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	calls := &atomic.Int32{}
	r := gin.New()
	r.POST("/inventory/:id/reserve", Idempotency(cache.NewRedisCache(client), time.Hour, zap.NewNop()), func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(int(status.Load()), gin.H{"call": n})
	})
	return r, mr, calls
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"quantity":1}`))
	req.RemoteAddr = "198.51.100.4:1234"
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestIdempotency_ReplaysFirstResponse(t *testing.T) {
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	h, _, calls := newIdempotentServer(t, status)

	first := post(h, "/inventory/1/reserve", "order-1001")
	require.Equal(t, http.StatusOK, first.Code)

	second := post(h, "/inventory/1/reserve", "order-1001")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	assert.Equal(t, int32(1), calls.Load())

	post(h, "/inventory/2/reserve", "order-1001")
	post(h, "/inventory/1/reserve", "order-1002")
	post(h, "/inventory/1/reserve", "")
	assert.Equal(t, int32(4), calls.Load(), "key is scoped by path and absent keys bypass")
}

func TestIdempotency_ClientErrorsAreReplayed(t *testing.T) {
	status := &atomic.Int32{}
	status.Store(http.StatusConflict)
	h, _, calls := newIdempotentServer(t, status)

	post(h, "/inventory/1/reserve", "k")
	status.Store(http.StatusOK)
	rw := post(h, "/inventory/1/reserve", "k")

	assert.Equal(t, http.StatusConflict, rw.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_ServerErrorsAllowRetry(t *testing.T) {
	status := &atomic.Int32{}
	status.Store(http.StatusServiceUnavailable)
	h, _, calls := newIdempotentServer(t, status)

	post(h, "/inventory/1/reserve", "k")
	status.Store(http.StatusOK)
	rw := post(h, "/inventory/1/reserve", "k")

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Empty(t, rw.Header().Get(HeaderIdempotentReplay))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_InProgress(t *testing.T) {
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	h, mr, calls := newIdempotentServer(t, status)

	storeKey := "cache:idem:ip:198.51.100.4:POST:/inventory/1/reserve:k"
	require.NoError(t, mr.Set(storeKey, `{"state":"pending"}`))

	rw := post(h, "/inventory/1/reserve", "k")
	assert.Equal(t, http.StatusConflict, rw.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestIdempotency_FailsOpen(t *testing.T) {
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	h, mr, calls := newIdempotentServer(t, status)

	mr.Close()
	post(h, "/inventory/1/reserve", "k")
	post(h, "/inventory/1/reserve", "k")
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	h, _, calls := newIdempotentServer(t, status)

	rw := post(h, "/inventory/1/reserve", strings.Repeat("x", maxIdempotencyKeyLen+1))
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Equal(t, int32(0), calls.Load())
}
