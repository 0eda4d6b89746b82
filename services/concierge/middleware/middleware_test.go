// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Admin Gate
// =============================================================================

func adminRouter(gate *AdminGate, hits *int) *gin.Engine {
	r := gin.New()
	r.DELETE("/admin", gate.Middleware(), func(c *gin.Context) {
		*hits++
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAdminGate(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"correct token", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong token", "s3cret", "nope", http.StatusUnauthorized},
		{"prefix of token", "s3cret", "s3c", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"no secret configured", "", "anything", http.StatusUnauthorized},
		{"no secret and no header", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := 0
			r := adminRouter(NewAdminGate([]byte(tt.secret)), &hits)
			req := httptest.NewRequest(http.MethodDelete, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(AdminTokenHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, 0, hits, "handler must not run")
				assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
			}
		})
	}
}

func TestAdminGate_WipesInput(t *testing.T) {
	secret := []byte("s3cret")
	gate := NewAdminGate(secret)
	assert.True(t, gate.Enabled())
	assert.Equal(t, make([]byte, len(secret)), secret)
	assert.True(t, gate.Check("s3cret"))
}

func TestAdminGate_ConcurrentChecks(t *testing.T) {
	gate := NewAdminGate([]byte("s3cret"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.True(t, gate.Check("s3cret"))
			} else {
				assert.False(t, gate.Check("other"))
			}
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// Client Key
// =============================================================================

func TestHashClientKey(t *testing.T) {
	a := HashClientKey("203.0.113.7")
	assert.Len(t, a, clientKeyBytes*2)
	assert.Equal(t, a, HashClientKey("203.0.113.7"))
	assert.NotEqual(t, a, HashClientKey("203.0.113.8"))
	assert.NotContains(t, a, "203")
	assert.Empty(t, HashClientKey(""))
}

func TestClientKeyMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ClientKey())
	var got string
	r.GET("/", func(c *gin.Context) { got = ClientKeyFrom(c) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, HashClientKey("198.51.100.4"), got)
}

// =============================================================================
// CORS
// =============================================================================

func corsRouter(allowAll bool, origins ...string) *gin.Engine {
	r := gin.New()
	r.Use(CORS(allowAll, origins))
	r.POST("/api/chat", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS_Development(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	corsRouter(true).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_ConfiguredOrigins(t *testing.T) {
	r := corsRouter(false, "https://example.com/", " https://www.example.com ")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "https://www.example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://www.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Preflight(t *testing.T) {
	r := corsRouter(false, "https://example.com")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), AdminTokenHeader)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://other.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// =============================================================================
// Request Log
// =============================================================================

type recordingHTTP struct {
	routes []string
	status []int
}

func (r *recordingHTTP) ObserveHTTP(route, _ string, status int) {
	r.routes = append(r.routes, route)
	r.status = append(r.status, status)
}

func TestRequestLog(t *testing.T) {
	obs := &recordingHTTP{}
	r := gin.New()
	r.Use(RequestLog(obs))
	r.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set(RequestIDHeader, "6f1c1d4e-2a7b-4c7e-9b1a-1d2e3f4a5b6c")
	r.ServeHTTP(w, req)
	assert.Equal(t, "6f1c1d4e-2a7b-4c7e-9b1a-1d2e3f4a5b6c", w.Header().Get(RequestIDHeader))

	assert.Equal(t, []string{"/sessions/:id", ""}, obs.routes)
	assert.Equal(t, []int{http.StatusTeapot, http.StatusNotFound}, obs.status)
}

func TestMaxBody(t *testing.T) {
	r := gin.New()
	r.Use(MaxBody(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("short")))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
