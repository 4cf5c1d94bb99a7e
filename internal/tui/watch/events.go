package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/trainyard/internal/events"
)

const maxEventLog = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("EVENT STREAM")

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func formatEvent(e events.Event, theme Theme) string {
	var typeStyle lipgloss.Style
	switch {
	case e.Type == "worker.merged", e.Type == "queue.merged":
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), e.Type == "queue.reclaimed":
		typeStyle = theme.StatusFailed
	case e.Type == "queue.claimed", e.Type == "queue.transitioned", e.Type == "queue.rebased", e.Type == "queue.tested":
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "sweeper."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		typeStyle.Render(fmt.Sprintf("%-20s", e.Type)),
		describeEvent(e),
	)
}

// eventPayload is the union of the fields the board cares about across
// queue, worker and sweeper events.
type eventPayload struct {
	Workspace string  `json:"workspace"`
	Agent     *string `json:"agent_id"`
	Detail    string  `json:"detail"`
	Status    string  `json:"status"`
	Error     string  `json:"error"`
	Target    string  `json:"target"`
	Diff      *struct {
		Files      int `json:"files"`
		Insertions int `json:"insertions"`
		Deletions  int `json:"deletions"`
	} `json:"diff"`
	Reclaimed []string `json:"reclaimed"`
	Pruned    int      `json:"pruned"`
	Active    *int     `json:"active"`
}

func describeEvent(e events.Event) string {
	var p eventPayload
	if err := e.Decode(&p); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	switch {
	case e.Type == "sweeper.tick":
		active := 0
		if p.Active != nil {
			active = *p.Active
		}
		parts = append(parts, fmt.Sprintf("active=%d", active))
		if len(p.Reclaimed) > 0 {
			parts = append(parts, "reclaimed="+strings.Join(p.Reclaimed, ","))
		}
		if p.Pruned > 0 {
			parts = append(parts, fmt.Sprintf("pruned=%d", p.Pruned))
		}
	case p.Workspace != "":
		parts = append(parts, p.Workspace)
		if p.Agent != nil {
			parts = append(parts, "["+*p.Agent+"]")
		}
		if p.Diff != nil {
			parts = append(parts, fmt.Sprintf("→ %s (%d files, +%d -%d)", p.Target, p.Diff.Files, p.Diff.Insertions, p.Diff.Deletions))
		}
		if p.Status != "" {
			parts = append(parts, p.Status)
		}
		if p.Detail != "" {
			parts = append(parts, p.Detail)
		}
		if p.Error != "" {
			parts = append(parts, p.Error)
		}
	default:
		return truncate(string(e.Data), 60)
	}
	return truncate(strings.Join(parts, " "), 80)
}
