package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/tasker/internal/journal"
	"github.com/me/tasker/pkg/model"
)

func newHistoryCmd() *cobra.Command {
	opts := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journalled runs or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Journal == "" {
				return fmt.Errorf("no journal configured (use --journal or TASKER_JOURNAL)")
			}
			ctx := cmd.Context()
			j, err := journal.Open(ctx, cfg.Journal, logger)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			st := newStyles(out)
			if len(args) == 0 {
				runs, err := j.Runs(ctx)
				if err != nil {
					return err
				}
				t := st.table("RUN", "LABEL", "STARTED", "DURATION", "EVENTS")
				for _, r := range runs {
					took := "running"
					if r.Finished != nil {
						took = r.Finished.Sub(r.Started).Round(time.Millisecond).String()
					}
					t.Row(r.ID, r.Label, humanize.Time(r.Started), took, humanize.Comma(int64(r.Events)))
				}
				fmt.Fprintln(out, t.Render())
				return nil
			}

			entries, total, err := j.List(ctx, args[0], opts)
			if err != nil {
				return err
			}
			if total == 0 {
				return fmt.Errorf("run [%s]: %w", args[0], model.ErrUnknownRun)
			}
			t := st.table("TIME", "EVENT", "TASK", "QUEUE", "DETAIL")
			for _, e := range entries {
				detail := e.Error
				if detail == "" {
					detail = e.Result
				}
				t.Row(e.Time.Local().Format("15:04:05.000"), e.Event, e.Task, string(e.Queue), detail)
			}
			fmt.Fprintln(out, t.Render())
			if shown := opts.Offset + len(entries); shown < total {
				fmt.Fprintln(out, st.dim.Render(fmt.Sprintf("... %d more", total-shown)))
			}
			return nil
		},
	}

	cmd.Flags().String("journal", "", "SQLite journal path")
	cmd.Flags().StringVar(&opts.Event, "event", "", "Only show this event")
	cmd.Flags().StringVar(&opts.Task, "task", "", "Only show this task")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum number of events")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of events to skip")
	return cmd
}

func (s styles) table(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.dim).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header.Padding(0, 1)
			}
			return s.cell
		})
}
