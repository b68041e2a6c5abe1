package middleware

import (
	"crypto/subtle"
	"net/http"

	"herald/internal/common"

	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader = "X-API-Key"
	// Browsers cannot set headers on a websocket handshake.
	apiKeyQuery = "api_key"
)

// Auth returns middleware that validates the X-API-Key header against configured keys.
// This is service-to-service authentication, not JWT-based. An empty key
// list disables the check.
func Auth(validKeys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(validKeys) == 0 {
			c.Next()
			return
		}

		apiKey := c.GetHeader(apiKeyHeader)
		if apiKey == "" {
			apiKey = c.Query(apiKeyQuery)
		}
		if apiKey == "" {
			common.Error(c, http.StatusUnauthorized, common.CodeUnauthorized, "missing X-API-Key header")
			c.Abort()
			return
		}

		if !isValidKey(apiKey, validKeys) {
			common.Error(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid API key")
			c.Abort()
			return
		}

		c.Next()
	}
}

// isValidKey checks the provided key against the list of valid keys using constant-time comparison.
func isValidKey(key string, validKeys []string) bool {
	for _, valid := range validKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
