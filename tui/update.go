package tui

import (
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "r":
			return m, refreshCmd(m.source, m.limit)

		case "j", "down":
			if m.selectedRow < len(m.runs)-1 {
				m.selectedRow++
				if m.selectedRow >= m.scroll+maxVisibleRuns {
					m.scroll = m.selectedRow - maxVisibleRuns + 1
				}
				if m.showLogs {
					return m, m.loadSelectedLog()
				}
			}

		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
				if m.selectedRow < m.scroll {
					m.scroll = m.selectedRow
				}
				if m.showLogs {
					return m, m.loadSelectedLog()
				}
			}

		case "enter":
			if len(m.runs) == 0 {
				return m, nil
			}
			m.showLogs = !m.showLogs
			if m.showLogs {
				return m, m.loadSelectedLog()
			}
			m.logLines = nil
			m.logErr = nil

		case "esc":
			m.showLogs = false
			m.logLines = nil
			m.logErr = nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.lastRefresh = time.Time(msg)
		cmds := []tea.Cmd{refreshCmd(m.source, m.limit), tickCmd()}
		if m.showLogs {
			if cmd := m.loadSelectedLog(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		return m, tea.Batch(cmds...)

	case runsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.runs = msg.runs
			if m.selectedRow >= len(m.runs) {
				m.selectedRow = len(m.runs) - 1
			}
			if m.selectedRow < 0 {
				m.selectedRow = 0
			}
			if m.scroll > m.selectedRow {
				m.scroll = m.selectedRow
			}
		}

	case logMsg:
		m.logLines = msg.lines
		m.logErr = msg.err
	}

	return m, nil
}

// loadSelectedLog returns a command that tails the selected run's log
func (m Model) loadSelectedLog() tea.Cmd {
	run := m.selectedRun()
	if run == nil {
		return nil
	}
	if run.LogPath == "" {
		return func() tea.Msg {
			return logMsg{err: errors.New("run has no log file")}
		}
	}
	return loadLogCmd(run.LogPath, logTailLines)
}
