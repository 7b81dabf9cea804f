// Package tui renders a terminal dashboard over the run history.
package tui

import (
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
)

const (
	// refreshInterval is how often the run table is reloaded
	refreshInterval = 2 * time.Second

	// maxVisibleRuns bounds the table window, j/k scrolls beyond it
	maxVisibleRuns = 15

	// logTailLines is how much of the selected run's log is shown
	logTailLines = 20

	defaultRunLimit = 50
)

// RunSource supplies the run table, normally the SQLite run history
type RunSource interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
}

// Model is the TUI application model
type Model struct {
	source RunSource
	limit  int

	runs []*domain.Run
	err  error

	// Log pane state for the selected run
	showLogs bool
	logLines []string
	logErr   error

	// UI state
	width       int
	height      int
	selectedRow int
	scroll      int

	lastRefresh time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Source RunSource
	Limit  int
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}

	return Model{
		source: cfg.Source,
		limit:  limit,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.source, m.limit),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// runsMsg delivers a refreshed run list
type runsMsg struct {
	runs []*domain.Run
	err  error
}

func refreshCmd(source RunSource, limit int) tea.Cmd {
	return func() tea.Msg {
		runs, err := source.ListRuns(runstore.ListOptions{Limit: limit})
		return runsMsg{runs: runs, err: err}
	}
}

// logMsg delivers the tail of the selected run's log file
type logMsg struct {
	lines []string
	err   error
}

func loadLogCmd(path string, n int) tea.Cmd {
	return func() tea.Msg {
		lines, err := tailFile(path, n)
		return logMsg{lines: lines, err: err}
	}
}

// tailFile returns the last n lines of a file
func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
