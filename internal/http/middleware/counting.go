package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/retailgrid/inventory-server/internal/metrics"
)

// Counting feeds the request and error counters of the metric sink.
func Counting(sink *metrics.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		sink.Requests.Inc()
		c.Next()
		if c.Writer.Status() >= 400 {
			sink.Errors.Inc()
		}
	}
}
