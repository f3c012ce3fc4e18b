package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/permitwatch/internal/app"
	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/jobmonitor"
)

func watchCmd(flags *globalFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow one job until it finishes",
		Long: `Polls a single job and prints a line whenever its progress changes.
Exits 0 when the job completes and 1 when it fails, is cancelled or disappears.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.OutOrStdout(), flags, args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (overrides jobs.poll_interval)")
	return cmd
}

func runWatch(out io.Writer, flags *globalFlags, jobID string, interval time.Duration) error {
	config, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = config.Jobs.GetPollInterval()
	}

	finished := make(chan jobmonitor.JobState, 1)
	m := jobmonitor.New(jobID, app.NewClient(config.Backend, logger),
		jobmonitor.WithInterval(interval),
		jobmonitor.WithLogger(logger),
		jobmonitor.WithTerminalHook(func(state jobmonitor.JobState) {
			finished <- state
		}),
	)

	var last string
	m.OnUpdate(func(state jobmonitor.JobState) {
		if line := formatState(state); line != last {
			last = line
			fmt.Fprintln(out, line)
		}
	})

	var failure *jobmonitor.JobFailure
	m.OnError(func(f *jobmonitor.JobFailure) {
		failure = f
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.Start(ctx)
	defer m.Stop()

	select {
	case state := <-finished:
		switch state.Status {
		case models.JobStatusCompleted:
			fmt.Fprintf(out, "job %s completed", jobID)
			if state.Snapshot != nil {
				fmt.Fprintf(out, ": %d permits pulled, %d leads created",
					state.Snapshot.Metrics.ItemsPulled, state.Snapshot.Metrics.LeadsCreated)
			}
			fmt.Fprintln(out)
			return nil
		case models.JobStatusFailed:
			if failure != nil {
				return failure
			}
			return fmt.Errorf("job %s failed", jobID)
		default:
			return fmt.Errorf("job %s ended as %s", jobID, state.Status)
		}
	case <-ctx.Done():
		return fmt.Errorf("stopped watching job %s", jobID)
	}
}

// formatState renders one progress line, e.g. "[running] 45% (3/8 units)"
func formatState(state jobmonitor.JobState) string {
	progress := "progress unknown"
	if !state.Progress.Indeterminate() {
		progress = fmt.Sprintf("%d%%", state.Progress.PercentOr(0))
	}
	line := fmt.Sprintf("[%s] %s", state.Status, progress)
	if state.Progress.TotalUnits > 0 {
		line += fmt.Sprintf(" (%d/%d units)", state.Progress.UnitsCompleted, state.Progress.TotalUnits)
	}
	if state.Progress.CurrentUnit != nil {
		line += fmt.Sprintf(", working on %d", *state.Progress.CurrentUnit)
	}
	if state.LastError != "" {
		line += " - last fetch failed: " + state.LastError
	}
	return line
}
