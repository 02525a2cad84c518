package ratelimit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GinMiddleware 按 keyFunc（默认客户端 IP）限流，超限返回 429。
// 限流器自身出错时放行。
func GinMiddleware(limiter Limiter, keyFunc func(*gin.Context) string, limit Limit) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	return func(c *gin.Context) {
		key := keyFunc(c)
		if key == "" || !limit.Valid() {
			c.Next()
			return
		}
		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
