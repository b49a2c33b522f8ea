// Package api implements the HTTP API for the acquirer.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

const readHeaderTimeout = 10 * time.Second

// Deps holds everything the router needs.
type Deps struct {
	Jobs      JobService
	Scheduler SchedulerService
	Resolver  Resolver
	RateGate  RateGate
	// InFlight reports outstanding admission tokens for /health.
	InFlight func() int
	Checks   map[string]HealthCheck

	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	ServiceName string
}

// NewRouter creates the gin engine with all routes. The gin mode is set by
// the caller.
func NewRouter(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With(logger.Component("api"))

	h := &handlers{
		jobs:        deps.Jobs,
		scheduler:   deps.Scheduler,
		resolver:    deps.Resolver,
		checks:      deps.Checks,
		inFlight:    deps.InFlight,
		serviceName: deps.ServiceName,
		startedAt:   time.Now(),
	}

	router := gin.New()
	router.Use(
		RecoveryMiddleware(log),
		RequestIDMiddleware(),
		ClientIDMiddleware(),
		LoggerMiddleware(log),
		MetricsMiddleware(deps.Metrics),
	)

	router.GET("/health", h.health)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Submissions spend the acquire budget inside admission itself.
	downloads := router.Group("/downloads")
	downloads.POST("/state", h.submitRegion)
	downloads.POST("/car", h.submitItem)

	status := router.Group("")
	status.Use(RateLimitMiddleware(deps.RateGate, admission.ClassStatus))
	status.GET("/downloads", h.listJobs)
	status.GET("/downloads/:job_id", h.getJob)
	status.GET("/scheduler/jobs", h.listPolicies)
	status.GET("/scheduler/tasks", h.listTasks)

	lookup := router.Group("/lookup")
	lookup.Use(RateLimitMiddleware(deps.RateGate, admission.ClassLookup))
	lookup.GET("/car/:target_id", h.lookupItem)

	sched := router.Group("/scheduler/jobs/:policy_id")
	sched.POST("/run", h.policyCommand(deps.Scheduler.RunNow, "run"))
	sched.POST("/pause", h.policyCommand(deps.Scheduler.Pause, "pause"))
	sched.POST("/resume", h.policyCommand(deps.Scheduler.Resume, "resume"))
	sched.POST("/reschedule", h.reschedule)

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})

	return router
}

// Server wraps the HTTP server lifecycle.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             logger.Logger
}

// NewServer creates an HTTP server for handler.
func NewServer(cfg config.ServerConfig, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", logger.String("address", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	s.log.Info("Shutting down HTTP server")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
