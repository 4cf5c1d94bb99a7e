package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/trainyard/internal/queue"
)

func newBoardTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Workspace", Width: 28},
			{Title: "Status", Width: 16},
			{Title: "Stack", Width: 11},
			{Title: "Agent", Width: 18},
			{Title: "Try", Width: 5},
			{Title: "Age", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// orderBoard lays entries out as stacks: each root followed depth-first by
// its descendants. Roots keep the queue's priority order; an entry whose
// parent is not on the board is treated as a root.
func orderBoard(entries []queue.Entry) []boardRow {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Workspace] = true
	}
	children := make(map[string][]queue.Entry)
	var roots []queue.Entry
	for _, e := range entries {
		if e.ParentWorkspace != nil && present[*e.ParentWorkspace] {
			children[*e.ParentWorkspace] = append(children[*e.ParentWorkspace], e)
			continue
		}
		roots = append(roots, e)
	}

	rows := make([]boardRow, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	var walk func(e queue.Entry, indent int)
	walk = func(e queue.Entry, indent int) {
		if seen[e.Workspace] {
			return
		}
		seen[e.Workspace] = true
		rows = append(rows, boardRow{Entry: e, Indent: indent})
		for _, c := range children[e.Workspace] {
			walk(c, indent+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return rows
}

type boardRow struct {
	Entry  queue.Entry
	Indent int
}

func statusSymbol(s queue.Status) string {
	switch s {
	case queue.StatusPending:
		return "○"
	case queue.StatusClaimed:
		return "◌"
	case queue.StatusRebasing, queue.StatusTesting, queue.StatusReadyToMerge, queue.StatusMerging:
		return "◉"
	case queue.StatusMerged:
		return "●"
	case queue.StatusFailedRetryable:
		return "◑"
	case queue.StatusFailedTerminal:
		return "∅"
	default:
		return "·"
	}
}

func (r boardRow) tableRow(theme Theme, now time.Time) table.Row {
	e := r.Entry
	name := e.Workspace
	if r.Indent > 0 {
		name = strings.Repeat("  ", r.Indent-1) + "└ " + e.Workspace
	}
	agent := "-"
	if e.AgentID != nil {
		agent = *e.AgentID
	}
	return table.Row{
		theme.StatusStyle(e.Status).Render(statusSymbol(e.Status)),
		name,
		string(e.Status),
		string(e.StackMergeState),
		agent,
		fmt.Sprintf("%d/%d", e.AttemptCount, e.MaxAttempts),
		formatDuration(now.Sub(e.AddedAt)),
	}
}

func boardRows(rows []boardRow, theme Theme, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.tableRow(theme, now))
	}
	return out
}

func renderBoard(t table.Model, rows []boardRow, selected int, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("MERGE QUEUE")
	if len(rows) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  Queue is empty"),
		))
	}

	parts := []string{title, t.View()}
	if selected >= 0 && selected < len(rows) {
		if e := rows[selected].Entry; e.Error != nil && *e.Error != "" {
			parts = append(parts, theme.StatusFailed.Render(" last error: "+truncate(*e.Error, innerWidth-16)))
		}
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
