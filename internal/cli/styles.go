package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/randalmurphal/fsd/internal/state"
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleHeading = lipgloss.NewStyle().Bold(true)
)

// stateStyle colors a lifecycle state name.
func stateStyle(s string) lipgloss.Style {
	switch state.TaskState(s) {
	case state.Completed:
		return styleOK
	case state.Failed:
		return styleFail
	case state.Queued:
		return styleDim
	default:
		return styleActive
	}
}

func okMark() string {
	return styleOK.Render("✓")
}

func failMark() string {
	return styleFail.Render("✗")
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
