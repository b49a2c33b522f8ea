package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	headerClientID  = "X-Client-ID"

	ctxKeyRequestID = "request_id"
	ctxKeyClientID  = "client_id"

	maxClientIDLen = 128
)

// RateGate is the rate-only admission check applied per route class.
type RateGate interface {
	Allow(ctx context.Context, class admission.Class, clientID string) error
}

// RequestIDMiddleware adds a request ID to each request, taken from the
// X-Request-ID header when the caller sends one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(ctxKeyRequestID, requestID)
		c.Writer.Header().Set(headerRequestID, requestID)

		c.Next()
	}
}

// ClientIDMiddleware resolves the caller identity used for rate budgets and
// job attribution.
func ClientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := strings.TrimSpace(c.GetHeader(headerClientID))
		if clientID == "" || len(clientID) > maxClientIDLen {
			clientID = c.ClientIP()
		}
		c.Set(ctxKeyClientID, clientID)
		c.Next()
	}
}

func clientID(c *gin.Context) string {
	return c.GetString(ctxKeyClientID)
}

// LoggerMiddleware logs one line per request with method, path, status and
// duration.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
			logger.String(ctxKeyRequestID, c.GetString(ctxKeyRequestID)),
		}
		if id := clientID(c); id != "" {
			fields = append(fields, logger.ClientID(id))
		}
		if query != "" {
			fields = append(fields, logger.String("query", query))
		}

		if len(c.Errors) > 0 {
			errorMessages := make([]string, len(c.Errors))
			for i, err := range c.Errors {
				errorMessages[i] = err.Err.Error()
			}
			fields = append(fields, logger.Strings("errors", errorMessages))
			log.Error("HTTP request with errors", fields...)
			return
		}

		if strings.HasPrefix(path, "/health") || path == "/metrics" {
			log.Debug("HTTP request", fields...)
			return
		}
		log.Info("HTTP request", fields...)
	}
}

// RecoveryMiddleware catches panics, logs them and returns a 500 without
// internal detail.
func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("Panic recovered",
					logger.Any("error", rec),
					logger.String("path", c.Request.URL.Path),
					logger.String("method", c.Request.Method),
					logger.String("client_ip", c.ClientIP()),
				)
				respondError(c, http.StatusInternalServerError, CodeInternal, "internal error")
			}
		}()

		c.Next()
	}
}

// MetricsMiddleware records request count and latency by route template.
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// RateLimitMiddleware applies the per-client budget of class to every route
// in the group.
func RateLimitMiddleware(gate RateGate, class admission.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil {
			c.Next()
			return
		}

		if err := gate.Allow(c.Request.Context(), class, clientID(c)); err != nil {
			respondErr(c, err)
			return
		}
		c.Next()
	}
}
