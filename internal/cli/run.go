package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/tasker/pkg/model"
	"github.com/me/tasker/pkg/tasker"
)

// ErrTasksFailed is returned by run when at least one task failed.
var ErrTasksFailed = errors.New("tasks failed")

func newRunCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <taskfile>",
		Short: "Run a task graph until it is idle",
		Long: `Loads the task graph, runs it and prints a summary once every task is done.

Background tasks keep the graph busy; they are stopped on SIGINT/SIGTERM or
when --timeout expires, after which the summary is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			_, runner, err := loadGraph(cmd, path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			sess, err := openSession(ctx, runner, path)
			if err != nil {
				return err
			}

			idle := make(chan struct{}, 1)
			runner.Once(tasker.EventIdle, func(tasker.Event) { idle <- struct{}{} })
			runner.On(tasker.EventTaskDone, func(ev tasker.Event) {
				if err := ev.Task.Failure(); err != nil {
					logger.Warn("task failed", "task", ev.Task.Name(), "error", err)
					return
				}
				logger.Info("task done", "task", ev.Task.Name())
			})

			start := time.Now()
			runner.Start()
			select {
			case <-idle:
				logger.Info("all tasks done", "elapsed", time.Since(start).Round(time.Millisecond))
			case <-ctx.Done():
				logger.Info("stopping", "reason", context.Cause(ctx))
			}

			// Stop resets every task, so take the summary first.
			snap := runner.Snapshot()
			stopErr := sess.close()

			renderSummary(cmd.OutOrStdout(), snap)
			if stopErr != nil {
				logger.Warn("errors while stopping", "error", stopErr)
			}
			if n := snap.Counts[model.QueueFailure]; n > 0 {
				return fmt.Errorf("%d of %d: %w", n, len(snap.Tasks), ErrTasksFailed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop the graph after this long (0 waits for idle or a signal)")
	cmd.Flags().Int("parallel", 0, "Maximum number of concurrently running foreground tasks")
	cmd.Flags().String("journal", "", "SQLite journal path for recording runner events")
	return cmd
}
