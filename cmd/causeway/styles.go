package main

import "github.com/charmbracelet/lipgloss"

// Styling for operator-facing output. Category log files carry the
// detail; this layer only needs headings and verdict colors.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BC34A")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#2196F3"))

	groundedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	rejectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7a8699"))
)
