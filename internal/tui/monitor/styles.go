package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/qoda/internal/models"
)

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle   = lipgloss.NewStyle().Foreground(mutedColor)

	stateStyles = map[models.SyncState]lipgloss.Style{
		models.SyncIdle:   lipgloss.NewStyle().Foreground(mutedColor),
		models.SyncSaving: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.SyncSaved:  lipgloss.NewStyle().Foreground(successColor).Bold(true),
		models.SyncError:  lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		models.SyncQueued: lipgloss.NewStyle().Foreground(warningColor).Bold(true),
	}
)

func renderState(state models.SyncState) string {
	style, ok := stateStyles[state]
	if !ok {
		return string(state)
	}
	return style.Render(string(state))
}
