package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"ouka/pkg/delivery"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true).
			MarginRight(1)
)

type field struct {
	label string
	value string
	style lipgloss.Style
}

// createPanel renders a bordered panel with a title line above content.
func createPanel(title, icon, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func renderFields(fields []field) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, labelStyle.Render(f.label)+f.style.Render(f.value))
	}
	return strings.Join(lines, "\n")
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		}).
		Headers(headers...)
}

func statusStyle(status delivery.Status) lipgloss.Style {
	switch status {
	case delivery.StatusDelivered:
		return accentValueStyle
	case delivery.StatusLocal:
		return valueStyle
	default:
		return dangerValueStyle
	}
}
