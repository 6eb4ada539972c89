package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{}) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"client id kept", "trace-123", true},
		{"missing", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"control characters", "abc\ninjected", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set(HeaderRequestID, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Header().Get(HeaderRequestID)
			if tt.keep {
				if got != tt.header {
					t.Fatalf("header = %q, want %q", got, tt.header)
				}
			} else if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("header = %q, want a generated uuid", got)
			}

			var env struct {
				Metadata Metadata `json:"metadata"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Metadata.RequestID != got {
				t.Errorf("envelope request_id = %q, header %q", env.Metadata.RequestID, got)
			}
		})
	}
}
