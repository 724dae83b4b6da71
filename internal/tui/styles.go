package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
)

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorAmber     = lipgloss.Color("#FFB000")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Bold(true)

	styleRow = lipgloss.NewStyle().
			Foreground(colorWhite)

	styleSelected = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorPurple)

	styleDetail = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorLightGray)

	// Status Bar Styles
	styleStatusBar = lipgloss.NewStyle().
			Height(1).
			Foreground(colorWhite)

	styleStatusName = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorBlue).
			Padding(0, 1).
			Bold(true)

	styleStatusText = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGray).
			Padding(0, 1)

	styleStatusOK = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGreen).
			Padding(0, 1)

	styleStatusBad = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorRed).
			Padding(0, 1)
)

// statusStyle colors a run status badge
func statusStyle(s checkpoint.Status) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch s {
	case checkpoint.StatusCompleted:
		return base.Foreground(colorGreen)
	case checkpoint.StatusFailed:
		return base.Foreground(colorRed)
	case checkpoint.StatusInProgress:
		return base.Foreground(colorAmber)
	default:
		return base.Foreground(colorGray)
	}
}
