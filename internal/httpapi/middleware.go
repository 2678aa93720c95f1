package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	logx "bdaybot/pkg/logx"
)

func recoveryLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in http handler",
					logx.Any("panic", r),
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func requestLogger(log logx.Logger, verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
			logx.Int("size", c.Writer.Size()),
			logx.String("remote", c.ClientIP()),
		}
		switch {
		case status >= 500:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Debug("request rejected", fields...)
		case verbose:
			log.Info("request", fields...)
		}
	}
}
