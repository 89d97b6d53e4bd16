package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	borderColor  = lipgloss.Color("#44475A")
	fgColor      = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	deniedStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

func field(label, value string) string {
	return labelStyle.Render(label) + " " + valueStyle.Render(value)
}

func statusText(status string) string {
	switch status {
	case "alive", "healthy":
		return successStyle.Render(status)
	case "suspected", "degraded":
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true).Render(status)
	default:
		return deniedStyle.Render(status)
	}
}
