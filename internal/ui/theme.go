package ui

import "github.com/charmbracelet/lipgloss"

var (
	colorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	colorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	colorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	colorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	colorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	colorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	colorSubtle = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorWhite).
	Background(colorBlue).
	Padding(0, 1)

var statusStyle = lipgloss.NewStyle().
	Foreground(colorWhite).
	Background(colorSubtle).
	Padding(0, 1)

var cardStyle = lipgloss.NewStyle().
	Padding(0, 1).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorSubtle)

var selectedCardStyle = cardStyle.
	BorderForeground(colorBlue)

var titleStyle = lipgloss.NewStyle().Bold(true)

var metaStyle = lipgloss.NewStyle().Foreground(colorGray)

var emptyStyle = lipgloss.NewStyle().
	Foreground(colorGray).
	Italic(true).
	Padding(1, 2)

var errorStyle = lipgloss.NewStyle().Foreground(colorRed)

// severityColor maps a notification severity to its accent color.
func severityColor(sev string) lipgloss.TerminalColor {
	switch sev {
	case "critical":
		return colorRed
	case "warning":
		return colorYellow
	case "whatsapp":
		return colorGreen
	default:
		return colorBlue
	}
}
