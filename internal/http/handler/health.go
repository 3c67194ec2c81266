package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health. It carries no dependencies so it keeps
// answering while the write path is degraded or shedding.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
