package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/retailgrid/inventory-server/internal/apperr"
	"github.com/retailgrid/inventory-server/internal/http/httperr"
	"github.com/retailgrid/inventory-server/internal/metrics"
	"github.com/retailgrid/inventory-server/internal/resilience"
)

// RateLimit admits requests through the per-client token bucket. The
// identifier is the client IP. Rejections return 429 with a Retry-After hint
// and never reach the write path.
func RateLimit(limiter *resilience.RateLimiter, sink *metrics.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := limiter.Allow(c.ClientIP())
		if !ok {
			if sink != nil {
				sink.RateLimitRejections.Inc()
			}
			httperr.Abort(c, apperr.RateLimited(retryAfter))
			return
		}
		c.Next()
	}
}
