package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/tasker/pkg/model"
)

func newOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <taskfile>",
		Short: "Print the order in which tasks would run",
		Long: `Prints the advisory run order of a task graph without running it. Tasks
without dependencies come first in file order, then the rest in dependency
order. Tasks caught in a dependency cycle are listed last and reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, runner, err := loadGraph(cmd, args[0])
			if err != nil {
				return err
			}

			order, err := runner.RunOrder()
			out := cmd.OutOrStdout()
			st := newStyles(out)
			for i, name := range order {
				fmt.Fprintf(out, "%3d  %s\n", i+1, name)
			}

			var cyc *model.CyclicDependencyError
			if errors.As(err, &cyc) {
				fmt.Fprintln(out)
				fmt.Fprintln(out, st.queues[model.QueueFailure].Render("cycle: "+strings.Join(cyc.Names, ", ")))
			}
			if snap := runner.Snapshot(); len(snap.Missing) > 0 {
				for _, name := range summaryOrder(snap) {
					if missing := snap.Missing[name]; len(missing) > 0 {
						fmt.Fprintln(out, st.dim.Render(fmt.Sprintf("%s waits for unknown %s", name, strings.Join(missing, ", "))))
					}
				}
			}
			return err
		},
	}
}
