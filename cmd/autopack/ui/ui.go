// Package ui renders autopack's terminal surfaces: the live run watch view
// and the markdown output of the inspection commands.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"autopack/internal/run"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	barStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// StateIcon returns the one-glyph marker for a phase state.
func StateIcon(s run.PhaseState) string {
	switch s {
	case run.PhaseComplete:
		return okStyle.Render("✓")
	case run.PhaseRunning:
		return activeStyle.Render("▶")
	case run.PhaseFailed:
		return errStyle.Render("✗")
	case run.PhaseBlocked:
		return warnStyle.Render("⚠")
	case run.PhaseAwaitingApproval:
		return warnStyle.Render("⏳")
	default:
		return mutedStyle.Render("○")
	}
}

// runStateStyle colors a run state for the watch header.
func runStateStyle(s run.RunState) lipgloss.Style {
	switch s {
	case run.RunComplete:
		return okStyle
	case run.RunRunning:
		return activeStyle
	case run.RunPaused:
		return warnStyle
	case run.RunFailed, run.RunAborted:
		return errStyle
	default:
		return mutedStyle
	}
}

// ProgressBar renders a text progress bar, filled left to right.
func ProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	empty := width - filled
	bar := barStyle.Render(strings.Repeat("█", filled)) + barEmptyStyle.Render(strings.Repeat("░", empty))
	return "[" + bar + "]"
}

func truncate(s string, max int) string {
	if max <= 1 || len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
