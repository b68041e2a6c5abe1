package middleware

import (
	"time"

	"herald/internal/common"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestID injects a unique request ID and the request start time into the
// context; the response envelope reads both.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(common.RequestStartKey, time.Now())
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(common.RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
