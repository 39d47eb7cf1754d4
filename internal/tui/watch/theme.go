// Package watch renders a worker's lifecycle and job progress in the
// terminal, fed either by an in-process event hub or by a remote /events
// stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes styling for the watch view.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Help   lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Help: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// stateStyle picks the color for a lifecycle state name.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "ready":
		return t.StatusOK
	case "failed", "terminated":
		return t.StatusFailed
	case "":
		return t.StatusIdle
	default:
		return t.StatusRunning
	}
}
