package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the status of a health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const healthCheckTimeout = 2 * time.Second

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   HealthStatus           `json:"status"`
	Service  string                 `json:"service"`
	Uptime   string                 `json:"uptime"`
	InFlight int                    `json:"in_flight"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of an individual health check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

func (h *handlers) health(c *gin.Context) {
	response := HealthResponse{
		Status:  HealthStatusHealthy,
		Service: h.serviceName,
		Uptime:  time.Since(h.startedAt).Truncate(time.Second).String(),
	}
	if h.inFlight != nil {
		response.InFlight = h.inFlight()
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		response.Checks = make(map[string]CheckResult, len(h.checks))
		for name, check := range h.checks {
			start := time.Now()
			result := CheckResult{Status: HealthStatusHealthy}
			if err := check(ctx); err != nil {
				result.Status = HealthStatusUnhealthy
				result.Message = err.Error()
				response.Status = HealthStatusUnhealthy
			}
			result.Latency = time.Since(start).String()
			response.Checks[name] = result
		}
	}

	status := http.StatusOK
	if response.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}
