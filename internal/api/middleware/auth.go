package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SecretHeader carries the shared ingest secret.
const SecretHeader = "X-TraceHub-Secret"

// RequireSecret rejects requests without the shared secret. An empty secret
// disables the check.
func RequireSecret(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(secret)

	return func(c *gin.Context) {
		got := c.GetHeader(SecretHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "X-TraceHub-Secret header required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Invalid TraceHub secret",
			})
			return
		}
		c.Next()
	}
}
