package middlewares

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vshulcz/bamstats/internal/misc"
)

// maxSignedBody bounds how much of a request body is buffered for verification.
const maxSignedBody = 1 << 20

// SignatureRequired rejects requests with a body whose misc.SignatureHeader does
// not match the HMAC-SHA256 of the body under key. An empty key disables the check.
func SignatureRequired(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	if key == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}
		if err := c.Request.Body.Close(); err != nil {
			_ = c.Error(err)
		}
		if len(body) > maxSignedBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		if len(body) > 0 && !misc.Verify(body, key, c.GetHeader(misc.SignatureHeader)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
