package tui

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title    lipgloss.Style
	row      lipgloss.Style
	selected lipgloss.Style
	done     lipgloss.Style
	pending  lipgloss.Style
	timer    lipgloss.Style
	status   lipgloss.Style
	help     lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		row:      lipgloss.NewStyle(),
		selected: lipgloss.NewStyle().Reverse(true),
		done:     lipgloss.NewStyle().Strikethrough(true).Foreground(lipgloss.Color("8")),
		pending:  lipgloss.NewStyle().Italic(true),
		timer:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		status:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		help:     lipgloss.NewStyle().Faint(true),
	}
}
