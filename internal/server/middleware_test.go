package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"claude-gateway/internal/config"
	"claude-gateway/internal/history"
	"claude-gateway/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RateLimit.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, Deps{
		Registry: session.NewRegistry(),
		History:  history.NewStore(0),
		Version:  "test",
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func serve(h http.Handler, method, target, remote string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCIDRFilter(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AllowCIDRs = []string{"10.0.0.0/8"}
	})
	h := s.Handler()

	rec := serve(h, http.MethodGet, "/api/health", "8.8.8.8:5555", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Forbidden for client IP.")

	rec = serve(h, http.MethodGet, "/api/health", "10.1.2.3:5555", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/api/health", "127.0.0.1:5555", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSWildcard(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	rec := serve(h, http.MethodOptions, "/api/chat", "127.0.0.1:1", http.Header{
		"Origin":                        {"http://localhost:3000"},
		"Access-Control-Request-Method": {"POST"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestCORSConfiguredOrigins(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"https://app.example"}
	}).Handler()

	rec := serve(h, http.MethodGet, "/api/health", "127.0.0.1:1", http.Header{"Origin": {"https://app.example"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = serve(h, http.MethodGet, "/api/health", "127.0.0.1:1", http.Header{"Origin": {"https://evil.example"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketOriginCheck(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"https://app.example"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/ws/abc", nil)
	assert.True(t, s.allowOrigin(req))
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, s.allowOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.allowOrigin(req))
}

func TestRateLimitPerClient(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	}).Handler()

	for range 2 {
		rec := serve(h, http.MethodGet, "/api/health", "10.0.0.1:1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(h, http.MethodGet, "/api/health", "10.0.0.1:1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// other clients have their own bucket
	rec = serve(h, http.MethodGet, "/api/health", "10.0.0.2:1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// the banner is outside /api/
	rec = serve(h, http.MethodGet, "/", "10.0.0.1:1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(1, 1)
	defer rl.Close()

	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")
	require.Equal(t, 2, rl.size())

	rl.cleanup(time.Now().Add(time.Minute))
	assert.Equal(t, 0, rl.size())
}

func TestRecoverPanics(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := serve(h, http.MethodGet, "/api/health", "127.0.0.1:1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestStatusRecorderForwardsFlush(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner}

	rec.Flush()
	assert.True(t, inner.Flushed)
	assert.Equal(t, http.StatusOK, rec.status)
	assert.Same(t, inner, rec.Unwrap())

	_, _, err := rec.Hijack()
	assert.Error(t, err)
}
