package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yalab-neuro/neuroproc/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" neuroproc │ Runs: %d │ Running: %d │ Failed: %d ",
		len(m.runs), m.countStatus(domain.RunRunning), m.countStatus(domain.RunFailed))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	if m.showLogs {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderLogTail()))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(warningStyle.Width(m.width).Render(" refresh failed: " + m.err.Error() + " "))
		b.WriteString("\n")
	}

	statusBar := " [j/k]select [enter]logs [r]efresh [q]uit "
	if m.showLogs {
		statusBar = " [j/k]select [esc]close logs [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) countStatus(status domain.RunStatus) int {
	n := 0
	for _, run := range m.runs {
		if run.Status == status {
			n++
		}
	}
	return n
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No runs recorded yet"))
		return b.String()
	}

	header := fmt.Sprintf("    %-22s %-28s %-10s %9s  %s",
		"PROCEDURE", "SUBJECT/SESSION", "STATUS", "DURATION", "STARTED")
	b.WriteString(dimmedStyle.Render(header))
	b.WriteString("\n")

	start := m.scroll
	if start >= len(m.runs) {
		start = 0
	}
	end := start + maxVisibleRuns
	if end > len(m.runs) {
		end = len(m.runs)
	}

	for i := start; i < end; i++ {
		run := m.runs[i]
		icon, style := statusBadge(run.Status)

		started := "-"
		if run.StartedAt != nil {
			started = run.StartedAt.Format("Jan 02 15:04")
		}

		line := fmt.Sprintf("%s %-22s %-28s %-10s %9s  %s",
			icon,
			truncate(run.Procedure, 22),
			truncate(subjectSession(run), 28),
			run.Status,
			formatDuration(run.Duration()),
			started)

		if i == m.selectedRow {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString(style.Render("  " + line))
		}
		b.WriteString("\n")
	}

	if len(m.runs) > maxVisibleRuns {
		b.WriteString(queuedStyle.Render(fmt.Sprintf("  ... showing %d-%d of %d (j/k to scroll)", start+1, end, len(m.runs))))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderLogTail() string {
	var b strings.Builder

	title := "LOG"
	if run := m.selectedRun(); run != nil {
		title = "LOG: " + run.Label()
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if m.logErr != nil {
		b.WriteString(queuedStyle.Render("  log unavailable: " + m.logErr.Error()))
		return b.String()
	}

	if len(m.logLines) == 0 {
		b.WriteString(queuedStyle.Render("  (empty)"))
		return b.String()
	}

	maxWidth := 80
	if m.width > 10 {
		maxWidth = m.width - 8
	}

	for _, line := range m.logLines {
		b.WriteString(queuedStyle.Render("  " + truncate(line, maxWidth)))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) selectedRun() *domain.Run {
	if m.selectedRow < 0 || m.selectedRow >= len(m.runs) {
		return nil
	}
	return m.runs[m.selectedRow]
}

func statusBadge(status domain.RunStatus) (string, lipgloss.Style) {
	switch status {
	case domain.RunRunning:
		return "●", runningStyle
	case domain.RunSucceeded:
		return "✓", completedStyle
	case domain.RunFailed:
		return "✗", warningStyle
	case domain.RunSkipped:
		return "◌", dimmedStyle
	default:
		return "○", queuedStyle
	}
}

func subjectSession(run *domain.Run) string {
	if run.Subject == "" {
		return "-"
	}
	s := "sub-" + run.Subject
	if run.Session != "" {
		s += "/ses-" + run.Session
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
