// Package httpd implements the serve command: HTTP API, scheduler and job
// runner in one process.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/acquirer/cmd/common"
	"github.com/jonesrussell/north-cloud/acquirer/internal/api"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/scheduler"
)

// Command returns the serve command.
func Command(flags *common.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		Args:  cobra.NoArgs,
		RunE: common.RunE(flags, func(cmd *cobra.Command, _ []string, deps *common.CommandDeps) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Start(ctx, deps)
		}),
	}
}

// Start runs the service until ctx ends.
func Start(ctx context.Context, deps *common.CommandDeps) error {
	log := deps.Logger
	cfg := deps.Config

	// Phase 1: database and migrations
	db, err := deps.OpenDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	// Phase 2: components
	app, err := common.Build(ctx, deps, db)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	// Phase 3: provision policies and repair unfinished jobs
	if cfg.Scheduler.Enabled {
		created, provisionErr := scheduler.Provision(ctx, app.Policies, cfg.Scheduler.Policies)
		if provisionErr != nil {
			return provisionErr
		}
		log.Info("Schedule policies provisioned", logger.Int("created", created))
	}

	report, err := app.Jobs.Reconcile(ctx)
	if err != nil {
		return err
	}
	log.Info("Startup reconciliation finished",
		logger.Int("requeued", report.Requeued),
		logger.Int("failed", report.Failed),
	)

	// Phase 4: scheduler and HTTP server
	if cfg.App.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var sched api.SchedulerService = disabledScheduler{}
	if cfg.Scheduler.Enabled {
		sched = app.Scheduler
	}

	router := api.NewRouter(api.Deps{
		Jobs:        app.Jobs,
		Scheduler:   sched,
		Resolver:    app.Portal,
		RateGate:    app.Admission,
		InFlight:    app.Admission.InFlight,
		Checks:      app.HealthChecks(),
		Logger:      log,
		Metrics:     app.Metrics,
		Gatherer:    app.Registry,
		ServiceName: cfg.App.Name,
	})
	server := api.NewServer(cfg.Server, router, log)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return app.Scheduler.Run(gctx) })
	}
	g.Go(func() error { return server.Run(gctx) })

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Phase 5: drain jobs
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if closeErr := app.Close(shutdownCtx); closeErr != nil {
		log.Warn("Shutdown incomplete, unfinished jobs will be reconciled on restart", logger.Error(closeErr))
	}

	log.Info("Acquirer stopped")
	return runErr
}
