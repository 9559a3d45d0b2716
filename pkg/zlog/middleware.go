package zlog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-Id"

// GinLogger 每个请求挂一个带 request_id 的 logger，缺失时生成
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(RequestIDHeader, reqID)

		l := zap.L().With(
			zap.String("trace_id", c.GetHeader("X-Trace-Id")),
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
		)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), l))
		c.Next()

		if len(c.Errors) > 0 {
			l.Warn("access", zap.Int("status", c.Writer.Status()), zap.String("errors", c.Errors.String()))
			return
		}
		l.Debug("access",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", c.Writer.Size()),
		)
	}
}
