package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/logging"
)

// BackendRegistry is the narrow view onto internal/store this package needs:
// how many backends have reported in recently enough to be trusted by the
// selector. Defined here, not imported from store, so health has no
// compile-time dependency on the persistence layer's concrete types.
type BackendRegistry interface {
	FreshBackendCount(ctx context.Context, within time.Duration) (int, error)
}

// BackendRegistryChecker reports the bus-connected backend pool healthy as
// long as at least one backend has a recent last_seen_at. There is no
// network call to make here — backends are addressed over the bus, not a
// dedicated health RPC (see DESIGN.md), and last_seen_at is information this
// service already owns.
type BackendRegistryChecker struct {
	registry  BackendRegistry
	freshness time.Duration
}

// NewBackendRegistryChecker builds a checker considering a backend fresh if
// it has reported within freshness (cmd/broker passes
// 2*backend.default_timeout, as DESIGN.md describes).
func NewBackendRegistryChecker(registry BackendRegistry, freshness time.Duration) *BackendRegistryChecker {
	return &BackendRegistryChecker{registry: registry, freshness: freshness}
}

func (c *BackendRegistryChecker) Check(ctx context.Context) string {
	if c.registry == nil {
		return "healthy"
	}
	n, err := c.registry.FreshBackendCount(ctx, c.freshness)
	if err != nil {
		logging.Error(ctx, "backend registry health check failed", zap.Error(err))
		return "unhealthy"
	}
	if n == 0 {
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisService   *bus.Service
	backendChecker *BackendRegistryChecker
}

// NewHandler creates a new health check handler. backendChecker may be nil,
// in which case the backend registry is not consulted (useful before the
// store is wired up in tests).
func NewHandler(redisService *bus.Service, backendChecker *BackendRegistryChecker) *Handler {
	return &Handler{
		redisService:   redisService,
		backendChecker: backendChecker,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.backendChecker != nil {
		backendStatus := h.backendChecker.Check(ctx)
		checks["backends"] = backendStatus
		if backendStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
