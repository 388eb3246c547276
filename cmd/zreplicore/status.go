package main

import (
	"fmt"
	"sort"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/muesli/reflow/wordwrap"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/sjc-dev/zreplicore/internal/replication/report"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Run every configured task once with a live terminal dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, _, err := loadTasks(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			m := newStatusModel()
			program := tea.NewProgram(m)

			runner := buildRunner(func(ev report.Event) {
				program.Send(statusEventMsg{ev})
			})

			go func() {
				ctx := withLogger(cmd.Context(), loggerFromFlags(false, "info"))
				err := runner.Run(ctx, tasks)
				program.Send(runDoneMsg{err})
			}()

			_, err = program.Run()
			return err
		},
	}
	return cmd
}

type taskRow struct {
	id       string
	status   string
	sent     int
	total    int
	lastLine string
}

func (r *taskRow) fraction() float64 {
	if r.total == 0 {
		return 0
	}
	return float64(r.sent) / float64(r.total)
}

type statusModel struct {
	rows   map[string]*taskRow
	order  []string
	filter string
	done   bool
	err    error
}

type statusEventMsg struct{ event report.Event }
type runDoneMsg struct{ err error }

func newStatusModel() statusModel {
	return statusModel{rows: make(map[string]*taskRow)}
}

func (m statusModel) Init() tea.Cmd { return nil }

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "backspace":
			if len(m.filter) > 0 {
				m.filter = m.filter[:len(m.filter)-1]
			}
		default:
			if len(msg.String()) == 1 {
				m.filter += msg.String()
			}
		}
	case statusEventMsg:
		m.apply(msg.event)
	case runDoneMsg:
		m.done = true
		m.err = msg.err
		if m.err == nil {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *statusModel) apply(ev report.Event) {
	row := func(id string) *taskRow {
		r, ok := m.rows[id]
		if !ok {
			r = &taskRow{id: id}
			m.rows[id] = r
			m.order = append(m.order, id)
		}
		return r
	}

	switch e := ev.(type) {
	case report.TaskStart:
		row(e.TaskID).status = "running"
	case report.TaskSuccess:
		row(e.TaskID).status = "done"
	case report.TaskError:
		r := row(e.TaskID)
		r.status = "failed"
		r.lastLine = e.Message
	case report.SnapshotStart:
		r := row(e.TaskID)
		r.sent, r.total = e.Sent, e.Total
		r.lastLine = e.SrcDataset + "@" + e.Snapshot
	case report.SnapshotSuccess:
		r := row(e.TaskID)
		r.sent, r.total = e.Sent, e.Total
		r.lastLine = e.SrcDataset + "@" + e.Snapshot + " sent"
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	bar         = progress.New(progress.WithDefaultGradient(), progress.WithWidth(24))
)

func (m statusModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("zreplicore status"))
	b.WriteString("  (q to quit)\n\n")

	ids := m.visibleTaskIDs()
	for _, id := range ids {
		r := m.rows[id]
		b.WriteString(styleForStatus(r.status).Render(fmt.Sprintf("%-20s %-8s", r.id, r.status)))
		b.WriteString(" " + bar.ViewAs(r.fraction()))
		b.WriteString(fmt.Sprintf(" %3d/%-3d ", r.sent, r.total))
		b.WriteString(wordwrap.String(r.lastLine, 60))
		b.WriteString("\n")
	}

	if m.filter != "" {
		b.WriteString("\nfilter: " + m.filter)
	}
	if m.done && m.err != nil {
		b.WriteString("\n" + failStyle.Render("run failed: "+m.err.Error()))
	}
	return b.String()
}

func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "done":
		return okStyle
	case "failed":
		return failStyle
	default:
		return runStyle
	}
}

// visibleTaskIDs fuzzy-filters the task list by the typed filter
// string, preserving insertion order when no filter is active.
func (m statusModel) visibleTaskIDs() []string {
	if m.filter == "" {
		ids := make([]string, len(m.order))
		copy(ids, m.order)
		return ids
	}

	matches := fuzzy.Find(m.filter, m.order)
	ids := make([]string, len(matches))
	for i, match := range matches {
		ids[i] = m.order[match.Index]
	}
	sort.SliceStable(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
