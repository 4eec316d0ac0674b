package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/me/tasker/pkg/model"
)

// styles are bound to one output so colour is only used on terminals.
type styles struct {
	header lipgloss.Style
	dim    lipgloss.Style
	name   lipgloss.Style
	queues map[model.QueueState]lipgloss.Style
	cell   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().Bold(true),
		dim:    r.NewStyle().Foreground(lipgloss.Color("240")),
		name:   r.NewStyle().Width(20).MarginRight(1),
		cell:   r.NewStyle().Padding(0, 1),
		queues: map[model.QueueState]lipgloss.Style{
			model.QueueSuccess:    r.NewStyle().Foreground(lipgloss.Color("35")),
			model.QueueFailure:    r.NewStyle().Foreground(lipgloss.Color("196")),
			model.QueueRunning:    r.NewStyle().Foreground(lipgloss.Color("33")),
			model.QueueBackground: r.NewStyle().Foreground(lipgloss.Color("141")),
			model.QueuePending:    r.NewStyle().Foreground(lipgloss.Color("214")),
			model.QueueHolding:    r.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

func (s styles) queue(q model.QueueState) string {
	label := fmt.Sprintf("%-10s", q)
	if st, ok := s.queues[q]; ok {
		return st.Render(label)
	}
	return label
}

// renderSummary prints one line per task in run order followed by the
// queue counts.
func renderSummary(w io.Writer, snap model.Snapshot) {
	st := newStyles(w)
	fmt.Fprintln(w, st.header.Render("Tasks"))
	for _, name := range summaryOrder(snap) {
		info := snap.Tasks[name]
		line := st.name.Render(name) + st.queue(info.Queue)
		if d := duration(info); d != "" {
			line += " " + st.dim.Render(d)
		}
		switch {
		case info.Error != "":
			line += " " + info.Error
		case info.Result != nil:
			line += " " + st.dim.Render(fmt.Sprintf("=> %v", info.Result))
		}
		if missing := snap.Missing[name]; len(missing) > 0 {
			line += " " + st.dim.Render("waiting for "+strings.Join(missing, ", "))
		}
		fmt.Fprintln(w, line)
	}

	var parts []string
	for _, q := range model.AllQueueStates {
		if n := snap.Counts[q]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, q))
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, st.header.Render("Summary:")+" "+strings.Join(parts, ", "))
}

// summaryOrder lists the run order first, then any task registered since
// the order was last computed.
func summaryOrder(snap model.Snapshot) []string {
	seen := make(map[string]bool, len(snap.Tasks))
	var names []string
	for _, name := range snap.Order {
		if _, ok := snap.Tasks[name]; ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	var rest []string
	for name := range snap.Tasks {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func duration(info model.TaskInfo) string {
	if info.Started == nil {
		return ""
	}
	end := time.Now()
	if info.Finished != nil {
		end = *info.Finished
	}
	return end.Sub(*info.Started).Round(time.Millisecond).String()
}
