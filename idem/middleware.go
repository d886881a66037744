package idem

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/metrics"
	"github.com/ceyewan/idemgate/xerrors"
)

// errUncacheable 标记 handler 产生了非 2xx 响应，占位需释放但响应已写出
var errUncacheable = xerrors.New("idem: response not cacheable")

// bodyWriter 包装 gin.ResponseWriter，在写出响应的同时捕获响应体
type bodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// GinMiddleware 实现 Idempotency 接口
func (i *idem) GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc {
	opt := middlewareOptions{
		headerKey:  "X-Idempotency-Key",
		retryAfter: time.Second,
	}
	for _, o := range opts {
		o(&opt)
	}

	return func(c *gin.Context) {
		rawKey := c.GetHeader(opt.headerKey)
		if rawKey == "" {
			if opt.requireKey {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "idempotency key header is required: " + opt.headerKey,
				})
				return
			}
			// 无幂等键的请求直接放行，不做幂等保证
			c.Next()
			return
		}

		// 读取请求体用于指纹计算，并恢复以供 handler 使用
		var payload []byte
		if c.Request.Body != nil {
			payload, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(payload))
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if route == "" {
			route = metrics.UnknownRoute
		}

		// 无论执行、回放还是拒绝，最终写给客户端的状态都计入请求指标
		defer func() {
			i.metrics.recordHTTP(c.Request.Context(), route, c.Request.Method, c.Writer.Status())
		}()

		executed := false
		resp, err := i.Do(c.Request.Context(), route, c.Request.Method, rawKey, payload,
			func(ctx context.Context) (*Response, error) {
				executed = true
				writer := &bodyWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
				c.Writer = writer
				c.Next()
				c.Writer = writer.ResponseWriter

				status := writer.Status()
				if status < 200 || status > 299 {
					// 非 2xx 不缓存，释放占位允许客户端重试
					return nil, errUncacheable
				}
				return &Response{
					StatusCode:  status,
					Body:        writer.body.Bytes(),
					ContentType: writer.Header().Get("Content-Type"),
				}, nil
			})

		if err != nil {
			if executed || xerrors.Is(err, errUncacheable) {
				// handler 已经写出了响应，错误只影响缓存与占位
				return
			}
			i.abortWithError(c, err, opt.retryAfter)
			return
		}

		if executed || resp == nil {
			// 首次执行，响应已由 handler 透写给客户端
			return
		}

		// 缓存命中，逐字节回放缓存的响应
		if resp.ContentType != "" {
			c.Header("Content-Type", resp.ContentType)
		}
		c.Writer.WriteHeader(resp.StatusCode)
		if len(resp.Body) > 0 {
			if _, werr := c.Writer.Write(resp.Body); werr != nil && i.logger != nil {
				i.logger.Warn("failed to write replayed response",
					clog.String("route", route), clog.Error(werr))
			}
		}
		c.Abort()
	}
}

// abortWithError 把引擎错误映射为 HTTP 状态码
func (i *idem) abortWithError(c *gin.Context, err error, retryAfter time.Duration) {
	switch {
	case xerrors.Is(err, ErrKeyMissing), xerrors.Is(err, ErrKeyInvalid):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case xerrors.Is(err, ErrConcurrentRequest):
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": "request with the same idempotency key is in progress",
		})
	case xerrors.Is(err, ErrFingerprintMismatch):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error": "idempotency key reused with a different request payload",
		})
	case xerrors.Is(err, ErrStoreUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "idempotency store is unavailable",
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
