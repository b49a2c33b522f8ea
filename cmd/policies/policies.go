// Package policies implements the policies list command.
package policies

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/acquirer/cmd/common"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/scheduler"
)

// Command returns the policies command group.
func Command(flags *common.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect schedule policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedule policies and their next fire time",
		Args:  cobra.NoArgs,
		RunE: common.RunE(flags, func(cmd *cobra.Command, _ []string, deps *common.CommandDeps) error {
			db, err := deps.OpenDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			policies, err := database.NewPolicyRepository(db).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list policies: %w", err)
			}

			loc, err := time.LoadLocation(deps.Config.Scheduler.Timezone)
			if err != nil {
				return fmt.Errorf("failed to load scheduler timezone: %w", err)
			}
			RenderPolicies(os.Stdout, policies, time.Now().In(loc))
			return nil
		}),
	})

	return cmd
}

// RenderPolicies writes a policy table; next fire times are computed from now.
func RenderPolicies(w io.Writer, policies []*domain.SchedulePolicy, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Trigger", "Active", "Targets", "Next Fire"})

	for _, p := range policies {
		next := "paused"
		if p.Active {
			schedule, err := scheduler.ParseTrigger(p.Trigger, now)
			if err != nil {
				next = "invalid trigger"
			} else {
				next = schedule.Next(now).Format(time.RFC3339)
			}
		}
		t.AppendRow(table.Row{p.ID, p.Trigger, p.Active, len(p.TargetSelector), next})
	}
	t.Render()
}
