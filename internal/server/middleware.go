package server

import (
	"strconv"
	"time"

	"auction-engine/internal/metrics"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs incoming requests with timing and reports
// them to met under the matched route
func RequestLoggerMiddleware(met metrics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := met.BumpTime("http.request.time", "route", route, "method", c.Request.Method)

		c.Next() // process request

		timer.End()
		met.BumpSum("http.request", 1, "route", route, "status", strconv.Itoa(c.Writer.Status()))
		utils.Info("HTTP Request", map[string]any{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}
