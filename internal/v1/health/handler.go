// Package health serves the Kubernetes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/bus"
	"github.com/voicedeck/voicedeck/internal/v1/logging"
)

// Checker reports the health of one named dependency.
type Checker interface {
	Check(ctx context.Context) string
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) string

func (f CheckerFunc) Check(ctx context.Context) string { return f(ctx) }

// Handler manages the health check endpoints.
type Handler struct {
	redisService *bus.Service
	checkers     map[string]Checker
}

// NewHandler creates a health handler. redisService may be nil in
// single-instance mode, which reports healthy.
func NewHandler(redisService *bus.Service) *Handler {
	return &Handler{
		redisService: redisService,
		checkers:     make(map[string]Checker),
	}
}

// Register adds a named dependency check to the readiness probe.
func (h *Handler) Register(name string, c Checker) {
	h.checkers[name] = c
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every
// registered dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	checks["redis"] = h.checkRedis(ctx)
	if checks["redis"] != "healthy" {
		allHealthy = false
	}

	for name, checker := range h.checkers {
		status := checker.Check(ctx)
		checks[name] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode has no Redis dependency to fail.
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
