package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/social-pipeline/pkg/logger"
)

// AccessLog 每个请求一行结构化日志，带 trace_id
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if uid := UserIDFrom(c.Request.Context()); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		l := logger.Ctx(c.Request.Context())
		if len(c.Errors) > 0 {
			l.Warn("request", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		l.Info("request", fields...)
	}
}
