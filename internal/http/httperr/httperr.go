// Package httperr maps the typed error taxonomy onto the HTTP error body:
// {success:false, error:{name, message, code, statusCode, timestamp, details?}}.
package httperr

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

type errorBody struct {
	Name       string         `json:"name"`
	Message    string         `json:"message"`
	Code       string         `json:"code"`
	StatusCode int            `json:"statusCode"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

type envelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// Abort writes the error body for err, records it on the gin context for the
// access log, and aborts the handler chain. Retry hints become both a
// Retry-After header and a retryAfter detail.
func Abort(c *gin.Context, err error) {
	ae := apperr.As(err)
	_ = c.Error(err)

	details := ae.Details
	if ae.RetryAfter > 0 {
		seconds := int64(ae.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
		if details == nil {
			details = map[string]any{}
		}
		details["retryAfter"] = seconds
	}

	c.AbortWithStatusJSON(ae.StatusCode, envelope{
		Success: false,
		Error: errorBody{
			Name:       ae.Name,
			Message:    ae.Message,
			Code:       ae.Code,
			StatusCode: ae.StatusCode,
			Timestamp:  time.Now().UTC(),
			Details:    details,
		},
	})
}
