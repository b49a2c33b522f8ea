// Package jobs implements the jobs list and get commands.
package jobs

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
)

const defaultLimit = 50

// Command returns the jobs command group.
func Command(flags *common.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect acquisition jobs",
	}
	cmd.AddCommand(listCommand(flags), getCommand(flags))
	return cmd
}

func listCommand(flags *common.Flags) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: common.RunE(flags, func(cmd *cobra.Command, _ []string, deps *common.CommandDeps) error {
			var state domain.JobState
			if status != "" {
				parsed, err := domain.ParseJobState(status)
				if err != nil {
					return err
				}
				state = parsed
			}

			db, err := deps.OpenDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			repo := database.NewJobRepository(db)
			jobs, err := repo.List(cmd.Context(), database.JobFilter{State: state, Limit: limit, Offset: offset})
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			total, err := repo.Count(cmd.Context(), state)
			if err != nil {
				return fmt.Errorf("failed to count jobs: %w", err)
			}

			RenderJobs(os.Stdout, jobs, total)
			return nil
		}),
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by state (pending, running, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", defaultLimit, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func getCommand(flags *common.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: common.RunE(flags, func(cmd *cobra.Command, args []string, deps *common.CommandDeps) error {
			db, err := deps.OpenDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			job, err := database.NewJobRepository(db).GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			RenderJob(os.Stdout, job)
			return nil
		}),
	}
}

// RenderJobs writes a job table.
func RenderJobs(w io.Writer, jobs []*domain.AcquisitionJob, total int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Target", "State", "Attempts", "Failure", "Created"})

	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID,
			j.Target().String(),
			j.State,
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			deref(j.FailureCode),
			j.CreatedAt.Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", total})
	t.Render()
}

// RenderJob writes one job as a key/value table.
func RenderJob(w io.Writer, j *domain.AcquisitionJob) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	t.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Target", j.Target().String()},
		{"State", j.State},
		{"Attempts", fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts)},
		{"Client", j.ClientID},
		{"Policy", deref(j.PolicyID)},
		{"Artifact", deref(j.ArtifactPath)},
		{"Failure", deref(j.FailureReason)},
		{"Created", j.CreatedAt.Format(time.RFC3339)},
		{"Started", formatTime(j.StartedAt)},
		{"Completed", formatTime(j.CompletedAt)},
	})
	if j.ArtifactSizeBytes != nil {
		t.AppendRow(table.Row{"Size", *j.ArtifactSizeBytes})
	}
	t.Render()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
