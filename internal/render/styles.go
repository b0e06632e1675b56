package render

import "github.com/charmbracelet/lipgloss"

var (
	ColorBorder  = lipgloss.Color("#1a3a1a")
	ColorPrimary = lipgloss.Color("#00ff41")
	ColorAmber   = lipgloss.Color("#ffb000")
	ColorRed     = lipgloss.Color("#ff3333")
	ColorCyan    = lipgloss.Color("#00b8ff")
	ColorText    = lipgloss.Color("#e5e5e5")
	ColorMuted   = lipgloss.Color("#707070")
)

var (
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)
)

var (
	TextAdded   = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	TextRemoved = lipgloss.NewStyle().Foreground(ColorPrimary)
	TextAmber   = lipgloss.NewStyle().Foreground(ColorAmber)
	TextCyan    = lipgloss.NewStyle().Foreground(ColorCyan)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)
	TextBold    = lipgloss.NewStyle().Foreground(ColorText).Bold(true)
)
