// Package migrate implements the schema migration commands.
package migrate

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/acquirer/cmd/common"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
)

// Command returns the migrate command with up and down subcommands.
func Command(flags *common.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: common.RunE(flags, func(cmd *cobra.Command, _ []string, deps *common.CommandDeps) error {
			db, err := database.NewPostgresConnection(cmd.Context(), deps.Config.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.RunMigrations(db, deps.Logger)
		}),
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: common.RunE(flags, func(cmd *cobra.Command, _ []string, deps *common.CommandDeps) error {
			db, err := database.NewPostgresConnection(cmd.Context(), deps.Config.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.MigrateDown(db, steps, deps.Logger)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}
