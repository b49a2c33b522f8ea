// Package acquire implements a one-off acquisition run from the command line.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/acquirer/cmd/common"
	"github.com/jonesrussell/north-cloud/acquirer/cmd/jobs"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/events"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
)

const cliClientID = "cli"

var errNoTarget = errors.New("either --item or --region with --category is required")

// Command returns the acquire command.
func Command(flags *common.Flags) *cobra.Command {
	var (
		itemID     string
		region     string
		categories []string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire one item or a region's categories and wait for the result",
		Args:  cobra.NoArgs,
		RunE: common.RunE(flags, func(cmd *cobra.Command, _ []string, deps *common.CommandDeps) error {
			if itemID == "" && (region == "" || len(categories) == 0) {
				return errNoTarget
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := deps.OpenDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			app, err := common.Build(ctx, deps, db)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()

			progress, unsubscribe := app.Bus.SubscribeAll()
			defer unsubscribe()
			go printProgress(cmd.ErrOrStderr(), progress)

			var ids []string
			if itemID != "" {
				result, submitErr := app.Jobs.SubmitItem(ctx, cliClientID, itemID, force)
				if submitErr != nil {
					return submitErr
				}
				if result.Reused {
					fmt.Fprintf(cmd.OutOrStdout(), "Reusing completed job %s (use --force to fetch again)\n", result.Job.ID)
					jobs.RenderJob(cmd.OutOrStdout(), &result.Job)
					return nil
				}
				ids = append(ids, result.Job.ID)
			} else {
				result, submitErr := app.Jobs.SubmitRegion(ctx, cliClientID, region, categories)
				if submitErr != nil {
					return submitErr
				}
				for _, r := range result.Rejected {
					fmt.Fprintf(cmd.ErrOrStderr(), "Category %s rejected: %v\n", r.Category, r.Err)
				}
				for _, j := range result.Jobs {
					ids = append(ids, j.ID)
				}
			}

			finished := make([]*domain.AcquisitionJob, 0, len(ids))
			for _, id := range ids {
				j, waitErr := wait(ctx, app.Jobs, id)
				if waitErr != nil {
					return waitErr
				}
				finished = append(finished, j)
			}

			jobs.RenderJobs(cmd.OutOrStdout(), finished, len(finished))
			for _, j := range finished {
				if j.State != domain.StateCompleted {
					return fmt.Errorf("job %s finished %s", j.ID, j.State)
				}
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&itemID, "item", "", "item identifier to acquire")
	cmd.Flags().StringVar(&region, "region", "", "region code")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "category codes (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "fetch again even if a completed job exists")
	cmd.MarkFlagsMutuallyExclusive("item", "region")
	return cmd
}

// wait blocks on the live handle, falling back to the store once the job
// goroutine has already exited.
func wait(ctx context.Context, svc *job.Service, id string) (*domain.AcquisitionJob, error) {
	if h, ok := svc.Handle(id); ok {
		if _, err := h.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return svc.Get(context.WithoutCancel(ctx), id)
}

func printProgress(w io.Writer, progress <-chan events.Event) {
	for e := range progress {
		line := fmt.Sprintf("%s %s: %s -> %s", e.At.Format("15:04:05"), e.Job.Target().String(), e.From, e.To)
		if e.Job.FailureReason != nil {
			line += " (" + *e.Job.FailureReason + ")"
		}
		fmt.Fprintln(w, line)
	}
}
