package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors shared by status and report rendering.
var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorWarning = lipgloss.Color("#FFC107")
	colorDanger  = lipgloss.Color("#e53935")
	colorMuted   = lipgloss.Color("245")

	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	styleLabel = lipgloss.NewStyle().Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
	styleOK    = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarning)
	styleCrit  = lipgloss.NewStyle().Foreground(colorDanger)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// percentStyle colors a utilization percentage by severity.
func percentStyle(pct float64) lipgloss.Style {
	switch {
	case pct >= 90:
		return styleCrit
	case pct >= 75:
		return styleWarn
	default:
		return styleOK
	}
}

func renderKV(label string, value string) string {
	return fmt.Sprintf("%s %s", styleLabel.Render(label+":"), value)
}

func renderPercent(pct float64) string {
	return percentStyle(pct).Render(fmt.Sprintf("%.0f%%", pct))
}
