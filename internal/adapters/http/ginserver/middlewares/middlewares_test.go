package middlewares

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vshulcz/bamstats/internal/misc"
)

func init() { gin.SetMode(gin.TestMode) }

func echoRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.POST("/echo", func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusOK, "application/json", b)
	})
	r.GET("/text", func(c *gin.Context) {
		c.String(http.StatusOK, strings.Repeat("abc", 100))
	})
	r.GET("/html", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html", []byte("<p>x</p>"))
	})
	return r
}

func TestGzipRequestAndResponse(t *testing.T) {
	r := echoRouter(GzipRequest(), GzipResponse())

	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	_, _ = zw.Write([]byte(`{"url":"a.bam"}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/echo", &zbuf)
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("response not compressed: %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != `{"url":"a.bam"}` {
		t.Fatalf("body=%q", body)
	}
}

func TestGzipResponse_SkipsOtherTypes(t *testing.T) {
	r := echoRouter(GzipResponse())
	req := httptest.NewRequest(http.MethodGet, "/html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" || rec.Body.String() != "<p>x</p>" {
		t.Fatalf("html must pass through: %v %q", rec.Header(), rec.Body.String())
	}
}

func TestGzipRequest_BadBody(t *testing.T) {
	r := echoRouter(GzipRequest())
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("plain"))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestSignatureRequired(t *testing.T) {
	r := echoRouter(SignatureRequired("k"))
	body := []byte(`{"url":"a.bam"}`)

	tests := []struct {
		name string
		sig  string
		want int
	}{
		{"valid", misc.Sign(body, "k"), http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong", misc.Sign(body, "other"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(misc.SignatureHeader, tt.sig)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("code=%d want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && rec.Body.String() != string(body) {
				t.Fatalf("body not restored: %q", rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/text", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("bodyless request rejected: %d", rec.Code)
	}

	open := echoRouter(SignatureRequired(" "))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty key must disable the check: %d", rec.Code)
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := echoRouter(ZapLogger(zap.New(core)))

	req := httptest.NewRequest(http.MethodGet, "/text", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("request id not echoed: %v", rec.Header())
	}
	entries := logs.FilterMessage("http_request").All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["request_id"] != "req-1" || ctx["status"] != int64(200) || ctx["path"] != "/text" {
		t.Fatalf("fields=%v", ctx)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/text", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatal("request id not generated")
	}
}
