package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// 60/min replenishes one token per second.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		l.Allow("10.0.0.1")
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestAllow_TokensCapAtBurst(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 600, // 10/sec
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})

	require.True(t, l.Allow("client"))
	require.True(t, l.Allow("client"))
	require.False(t, l.Allow("client"))

	// Long idle must not bank more than BurstSize tokens.
	time.Sleep(600 * time.Millisecond)
	assert.True(t, l.Allow("client"))
	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestMiddleware_Returns429WhenExhausted(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/orders", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	do := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
