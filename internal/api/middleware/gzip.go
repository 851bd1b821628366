package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

// MaxDecompressedBody caps an inflated request body.
const MaxDecompressedBody = 32 << 20

// DecompressRequest inflates gzip-encoded request bodies in place.
func DecompressRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.EqualFold(c.GetHeader("Content-Encoding"), "gzip") || c.Request.Body == nil {
			c.Next()
			return
		}

		zr, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "invalid gzip body",
			})
			return
		}
		defer zr.Close()

		c.Request.Body = http.MaxBytesReader(c.Writer, readCloser{Reader: zr, Closer: c.Request.Body}, MaxDecompressedBody)
		c.Request.Header.Del("Content-Encoding")
		c.Request.Header.Del("Content-Length")
		c.Request.ContentLength = -1

		c.Next()
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
