// Package watch implements the live run view shown by `cascade run
// --watch`: one row per task driven by the engine's event hub.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch view.
type Theme struct {
	StatusPending  lipgloss.Style
	StatusRunning  lipgloss.Style
	StatusOK       lipgloss.Style
	StatusFallback lipgloss.Style
	StatusAborted  lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFallback: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		StatusAborted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}
