// Package common holds the wiring shared by the CLI commands.
package common

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

// Flags are the persistent root flags every command reads.
type Flags struct {
	ConfigFile string
	Debug      bool
}

// CommandDeps holds the configuration and logger a command starts with.
type CommandDeps struct {
	Config *config.Config
	Logger logger.Logger
}

// NewCommandDeps loads configuration and builds the logger.
func NewCommandDeps(flags *Flags) (*CommandDeps, error) {
	v, err := config.New(flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if flags.Debug {
		v.Set("app.debug", true)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &CommandDeps{
		Config: cfg,
		Logger: log.With(logger.String("service", cfg.App.Name)),
	}, nil
}

// OpenDatabase connects to Postgres and applies pending migrations.
func (d *CommandDeps) OpenDatabase(ctx context.Context) (*sqlx.DB, error) {
	db, err := database.NewPostgresConnection(ctx, d.Config.Database)
	if err != nil {
		return nil, err
	}
	if migrateErr := database.RunMigrations(db, d.Logger); migrateErr != nil {
		_ = db.Close()
		return nil, migrateErr
	}
	return db, nil
}

// RunE adapts a command body that needs loaded dependencies.
func RunE(flags *Flags, fn func(cmd *cobra.Command, args []string, deps *CommandDeps) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		deps, err := NewCommandDeps(flags)
		if err != nil {
			return err
		}
		defer func() { _ = deps.Logger.Sync() }()
		return fn(cmd, args, deps)
	}
}
