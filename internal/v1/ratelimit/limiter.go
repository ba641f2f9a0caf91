// Package ratelimit enforces request and event rate limits using
// ulule/limiter with a Redis or in-memory store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/auth"
	"github.com/voicedeck/voicedeck/internal/v1/config"
	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// wsEventRate bounds signaling events per peer. Presence updates are already
// debounced server-side, so this only has to stop floods, not shape traffic.
const wsEventRate = "1200-M"

// RateLimiter holds the limiter instances for every enforcement point.
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiRooms    *limiter.Limiter
	wsIP        *limiter.Limiter
	wsEvents    *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a RateLimiter from the validated config. A nil
// redisClient falls back to the in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsEventsRate, err := limiter.NewRateFromFormatted(wsEventRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS event rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		wsIP:        limiter.New(store, wsIPRate),
		wsEvents:    limiter.New(store, wsEventsRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// GlobalMiddleware enforces the process-wide REST limit, keyed by user when
// authenticated and by client IP otherwise.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		limitType := "ip"
		if claims, exists := c.Get("claims"); exists {
			if userClaims, ok := claims.(*auth.CustomClaims); ok {
				key = userClaims.Subject
				limitType = "user"
			}
		}

		ctx := c.Request.Context()
		lctx, err := rl.apiGlobal.Get(ctx, key)
		if err != nil {
			// Fail open: losing the limiter store should not take the API down.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// RoomsMiddleware enforces the tighter limit on room-creation endpoints.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if claims, exists := c.Get("claims"); exists {
			if userClaims, ok := claims.(*auth.CustomClaims); ok {
				key = userClaims.Subject
			}
		}

		ctx := c.Request.Context()
		lctx, err := rl.apiRooms.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "rooms").Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket gates a WebSocket upgrade by client IP. On rejection the
// HTTP error response is already written.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}

// AllowEvent checks the per-peer signaling event limit. Fail-open on store
// errors, like the HTTP paths.
func (rl *RateLimiter) AllowEvent(peerID types.PeerIDType, event types.Event) bool {
	ctx := context.Background()
	lctx, err := rl.wsEvents.Get(ctx, string(peerID))
	if err != nil {
		logging.Error(ctx, "WS event rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(string(event), "peer").Inc()
		return false
	}
	return true
}
