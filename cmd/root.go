// Package cmd implements the command-line interface for the acquirer.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/acquirer/cmd/acquire"
	"github.com/jonesrussell/north-cloud/acquirer/cmd/common"
	"github.com/jonesrussell/north-cloud/acquirer/cmd/httpd"
	"github.com/jonesrussell/north-cloud/acquirer/cmd/jobs"
	"github.com/jonesrussell/north-cloud/acquirer/cmd/migrate"
	"github.com/jonesrussell/north-cloud/acquirer/cmd/policies"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	flags := &common.Flags{}

	rootCmd := &cobra.Command{
		Use:           "acquirer",
		Short:         "CAPTCHA-gated document acquisition service",
		Long:          `Acquires region and item documents from the portal, on demand and on schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.ConfigFile, "config", "",
		"config file (default is ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug mode")

	rootCmd.AddCommand(
		httpd.Command(flags),
		migrate.Command(flags),
		jobs.Command(flags),
		policies.Command(flags),
		acquire.Command(flags),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
