// Package watch implements the live train board for a running trainyard.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/trainyard/internal/queue"
)

// Theme keeps every color of the board in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusDead    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusDead:    lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// StatusStyle picks the color for a queue status.
func (t Theme) StatusStyle(s queue.Status) lipgloss.Style {
	switch s {
	case queue.StatusMerged:
		return t.StatusOK
	case queue.StatusClaimed, queue.StatusRebasing, queue.StatusTesting,
		queue.StatusReadyToMerge, queue.StatusMerging:
		return t.StatusRunning
	case queue.StatusFailedRetryable, queue.StatusFailedTerminal:
		return t.StatusFailed
	case queue.StatusCancelled:
		return t.StatusDead
	default:
		return t.StatusQueued
	}
}
