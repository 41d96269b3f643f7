package middlewares

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type gzipReadCloser struct {
	gz  *gzip.Reader
	raw io.Closer
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gz.Read(p)
}

func (g *gzipReadCloser) Close() error {
	if err := g.gz.Close(); err != nil {
		return err
	}
	if g.raw != nil {
		return g.raw.Close()
	}
	return nil
}

// GzipRequest transparently decompresses gzip-encoded request bodies.
func GzipRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		if enc := strings.ToLower(c.GetHeader("Content-Encoding")); strings.Contains(enc, "gzip") {
			gr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				c.AbortWithStatus(http.StatusBadRequest)
				return
			}
			c.Request.Body = &gzipReadCloser{gz: gr, raw: c.Request.Body}
			c.Request.Header.Del("Content-Length")
		}
		c.Next()
	}
}

type gzipResponseWriter struct {
	gin.ResponseWriter
	gzw      *gzip.Writer
	types    []string
	compress bool
	decided  bool
}

func (w *gzipResponseWriter) decide() {
	if w.decided {
		return
	}
	w.decided = true

	if !compressible(w.Header().Get("Content-Type"), w.types) {
		return
	}
	if status := w.Status(); status == http.StatusNoContent || status < 200 {
		return
	}

	w.Header().Del("Content-Length")
	w.Header().Set("Content-Encoding", "gzip")
	w.gzw = gzip.NewWriter(w.ResponseWriter)
	w.compress = true
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	w.ResponseWriter.WriteHeader(code)
}

func (w *gzipResponseWriter) Write(p []byte) (int, error) {
	if !w.decided {
		w.decide()
	}
	if w.compress {
		return w.gzw.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

// Flush pushes buffered compressed bytes to the client, keeping NDJSON streams live.
func (w *gzipResponseWriter) Flush() {
	if w.compress {
		_ = w.gzw.Flush()
	}
	w.ResponseWriter.Flush()
}

func (w *gzipResponseWriter) Close() error {
	if w.gzw != nil {
		return w.gzw.Close()
	}
	return nil
}

// DefaultGzipTypes are compressed when the client accepts gzip.
var DefaultGzipTypes = []string{"application/json", "application/x-ndjson", "text/plain"}

// GzipResponse compresses responses whose content type starts with one of types
// (DefaultGzipTypes when none are given).
func GzipResponse(types ...string) gin.HandlerFunc {
	if len(types) == 0 {
		types = DefaultGzipTypes
	}
	return func(c *gin.Context) {
		accept := strings.Contains(strings.ToLower(c.GetHeader("Accept-Encoding")), "gzip")
		if !accept {
			c.Next()
			return
		}
		grw := &gzipResponseWriter{ResponseWriter: c.Writer, types: types}
		c.Writer = grw
		c.Next()
		if err := grw.Close(); err != nil {
			_ = c.Error(err)
		}
	}
}

func compressible(ct string, types []string) bool {
	ct = strings.ToLower(ct)
	for _, t := range types {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}
