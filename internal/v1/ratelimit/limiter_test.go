package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/config"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

func newTestLimiter(t *testing.T, global, rooms, wsIP string) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&config.Config{
		RateLimitAPIGlobal: global,
		RateLimitAPIRooms:  rooms,
		RateLimitWsIP:      wsIP,
	}, nil)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{
		RateLimitAPIGlobal: "not-a-rate",
		RateLimitAPIRooms:  "100-M",
		RateLimitWsIP:      "100-M",
	}, nil)
	require.Error(t, err)
}

func TestGlobalMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "2-M", "100-M", "100-M")

	router := gin.New()
	router.Use(rl.GlobalMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGlobalMiddleware_SeparateKeysPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "1-M", "100-M", "100-M")

	router := gin.New()
	router.Use(rl.GlobalMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, addr)
	}
}

func TestCheckWebSocket_Limit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "100-M", "100-M", "1-M")

	allowed := 0
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		c.Request.RemoteAddr = "10.0.0.9:1234"
		if rl.CheckWebSocket(c) {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestAllowEvent_PerPeer(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "100-M", "100-M")

	// Stay far below the event ceiling; each peer has its own budget.
	for i := 0; i < 50; i++ {
		assert.True(t, rl.AllowEvent("peer-a", types.EventPresenceUpdate))
		assert.True(t, rl.AllowEvent("peer-b", types.EventPresenceUpdate))
	}
}
