package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemaster/internal/config"
)

func serveCORS(cfg *config.SecurityConfig, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	tokens := newTestTokens(cfg)
	m := NewMiddlewareManager(cfg, tokens)
	r := gin.New()
	r.Use(m.GinCORSMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORSDisabled(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.CORS.Enabled = false

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://example.com")
	w := serveCORS(cfg, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), "禁用时不应设置CORS头")
}

func TestCORSAllowAllOrigins(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.CORS = config.CORSConfig{
		Enabled:         true,
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST"},
		AllowHeaders:    []string{"Content-Type", "X-API-Key"},
		MaxAge:          12 * time.Hour,
	}

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://example.com")
	w := serveCORS(cfg, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, X-API-Key", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "43200", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORSOriginWhitelist(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.CORS = config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"https://note.example.com"},
	}

	// 白名单内的来源被回显
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://note.example.com")
	w := serveCORS(cfg, req)
	assert.Equal(t, "https://note.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	// 白名单外的来源不设置头
	req2 := httptest.NewRequest("GET", "/ping", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	w2 := serveCORS(cfg, req2)
	assert.Empty(t, w2.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.CORS = config.CORSConfig{
		Enabled:         true,
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
	}

	req := httptest.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := serveCORS(cfg, req)

	require.Equal(t, http.StatusNoContent, w.Code, "预检请求应返回204并中断")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testSecurityConfig()
	m := NewMiddlewareManager(cfg, newTestTokens(cfg))

	r := gin.New()
	r.Use(m.GinSecurityHeadersMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "NoteMaster", w.Header().Get("Server"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "非HTTPS请求不应设置HSTS")
}

func TestSecurityHeadersHSTSBehindProxy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testSecurityConfig()
	m := NewMiddlewareManager(cfg, newTestTokens(cfg))

	r := gin.New()
	r.Use(m.GinSecurityHeadersMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}
