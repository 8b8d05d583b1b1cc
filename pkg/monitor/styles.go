package monitor

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorAccent  = lipgloss.Color("#F4A956")
	colorText    = lipgloss.Color("#FAFAFA")
	colorSubtext = lipgloss.Color("#777777")
	colorSuccess = lipgloss.Color("#43BF6D")
	colorError   = lipgloss.Color("#FF5F5F")

	stylePanel = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtext).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Background(colorPrimary).
			Foreground(colorText).
			Padding(0, 1).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Width(12)

	styleValue = lipgloss.NewStyle().
			Foreground(colorText)

	styleStreaming = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	styleIdle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)

	styleFault = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	styleHelp = lipgloss.NewStyle().
			Foreground(colorSubtext)

	styleScreenTooSmall = lipgloss.NewStyle().
				Foreground(colorAccent).
				Bold(true).
				Align(lipgloss.Center, lipgloss.Center)

	scrollbarTrack = lipgloss.NewStyle().Foreground(colorSubtext)
	scrollbarThumb = lipgloss.NewStyle().Foreground(colorPrimary)
)
