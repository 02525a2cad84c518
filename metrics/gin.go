package metrics

import (
	"slices"
	"time"

	"github.com/gin-gonic/gin"
)

// GinHTTPMiddleware 记录网关 HTTP RED 指标，路由标签使用注册时的模板路径。
// skip 中的模板路径（如 /metrics、健康检查）不计入指标。
func GinHTTPMiddleware(httpMetrics *HTTPServerMetrics, skip ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpMetrics == nil || slices.Contains(skip, c.FullPath()) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = UnknownRoute
		}
		httpMetrics.Observe(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
