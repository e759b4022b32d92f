package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_reserve/internal/cache"
	"github.com/MorseWayne/stock_reserve/internal/resp"
)

const (
	// HeaderIdempotencyKey 客户端为写请求生成的幂等键
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay 标记响应来自幂等缓存
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 128
	// pendingTTL 处理中标记的保留时间，进程崩溃后到期即可重试
	pendingTTL = 30 * time.Second
)

const (
	idemStatePending = "pending"
	idemStateDone    = "done"
)

// IdempotencyStore 幂等记录存储，cache.Cache 满足该接口
type IdempotencyStore interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type idempotencyRecord struct {
	State       string `json:"state"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency 写接口幂等中间件
// 同一调用方对同一路径重复提交相同的 Idempotency-Key 时直接重放首次响应，
// 首次请求仍在处理时返回 409；5xx 与 429 响应不保存，允许客户端重试。
// 存储故障时放行请求。
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || ttl <= 0 {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		reqID := RequestIDFromContext(ctx)
		if len(key) > maxIdempotencyKeyLen {
			resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "idempotency key too long", reqID, "")
			c.Abort()
			return
		}

		storeKey := "idem:" + CallerID(c) + ":" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key
		log := logger.With(zap.String("request_id", reqID), zap.String("idempotency_key", key))

		claimed, err := store.SetNX(ctx, storeKey, idempotencyRecord{State: idemStatePending}, pendingTTL)
		if err != nil {
			log.Warn("idempotency store unavailable, skipping", zap.Error(err))
			c.Next()
			return
		}
		if !claimed {
			replay(c, store, storeKey, log)
			return
		}

		capture := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		// 请求上下文可能已超时，结果仍需落盘
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()

		status := capture.Status()
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			if err := store.Delete(saveCtx, storeKey); err != nil {
				log.Warn("release idempotency key failed", zap.Error(err))
			}
			return
		}
		rec := idempotencyRecord{
			State:       idemStateDone,
			Status:      status,
			ContentType: capture.Header().Get("Content-Type"),
			Body:        capture.body.Bytes(),
		}
		if err := store.Set(saveCtx, storeKey, rec, ttl); err != nil {
			log.Warn("save idempotent response failed", zap.Error(err))
		}
	}
}

func replay(c *gin.Context, store IdempotencyStore, storeKey string, log *zap.Logger) {
	reqID := RequestIDFromContext(c.Request.Context())

	var rec idempotencyRecord
	if err := store.Get(c.Request.Context(), storeKey, &rec); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			// 记录恰好过期，按新请求处理
			c.Next()
			return
		}
		log.Warn("load idempotent response failed", zap.Error(err))
		c.Next()
		return
	}

	if rec.State != idemStateDone {
		resp.Error(c.Writer, http.StatusConflict, resp.CodeConflict,
			"request with this idempotency key is still in progress", reqID, "")
		c.Abort()
		return
	}

	c.Header(HeaderIdempotentReplay, "true")
	c.Data(rec.Status, rec.ContentType, rec.Body)
	c.Abort()
}

// captureWriter 在写出响应的同时保留一份响应体
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
