package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

func newBrotliRouter(body string) *gin.Engine {
	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{Quality: 4, MinLength: 64, SkipPrefixes: []string{"/ws/"}}))
	handler := func(c *gin.Context) { c.String(http.StatusOK, body) }
	r.GET("/api/questions", handler)
	r.GET("/ws/stream", handler)
	return r
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	body := strings.Repeat("question text ", 100)
	r := newBrotliRouter(body)

	req := httptest.NewRequest(http.MethodGet, "/api/questions", nil)
	req.Header.Set("Accept-Encoding", "gzip, br;q=0.9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "br" {
		t.Fatalf("Content-Encoding = %q", got)
	}
	if got := w.Header().Get("Vary"); got != "Accept-Encoding" {
		t.Errorf("Vary = %q", got)
	}
	if w.Body.Len() >= len(body) {
		t.Errorf("compressed size %d, plain %d", w.Body.Len(), len(body))
	}

	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(plain) != body {
		t.Error("decompressed body differs")
	}
}

func TestBrotliPassesThrough(t *testing.T) {
	large := strings.Repeat("x", 500)

	tests := []struct {
		name     string
		path     string
		body     string
		encoding string
		accept   string
	}{
		{"short body", "/api/questions", "ok", "br", ""},
		{"client without br", "/api/questions", large, "gzip", ""},
		{"skipped prefix", "/ws/stream", large, "br", ""},
		{"event stream", "/api/questions", large, "br", "text/event-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newBrotliRouter(tt.body)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Accept-Encoding", tt.encoding)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if got := w.Header().Get("Content-Encoding"); got != "" {
				t.Errorf("Content-Encoding = %q", got)
			}
			if w.Body.String() != tt.body {
				t.Errorf("body altered: %d bytes", w.Body.Len())
			}
		})
	}
}
