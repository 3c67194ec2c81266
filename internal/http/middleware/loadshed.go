package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/retailgrid/inventory-server/internal/http/httperr"
	"github.com/retailgrid/inventory-server/internal/metrics"
	"github.com/retailgrid/inventory-server/internal/resilience"
)

// LoadShed fast-fails requests when the observed bulkhead queues are past the
// configured depth. It runs in front of bulkhead admission so shed requests
// never occupy a pool slot or queue position.
func LoadShed(shedder *resilience.LoadShedder, sink *metrics.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := shedder.Admit(); err != nil {
			if sink != nil {
				sink.ShedRequests.Inc()
			}
			httperr.Abort(c, err)
			return
		}
		c.Next()
	}
}
