// Package maintenance provides housekeeping tasks for the neuroproc
// workspace: pruning old run logs and clearing staged dataset copies
// left behind by interrupted container runs.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options configure one maintenance pass.
type Options struct {
	LogDir  string
	WorkDir string
	MaxAge  time.Duration // entries younger than this are kept
	DryRun  bool
}

// Report lists what a task removed (or would remove, under DryRun).
type Report struct {
	Removed    []string
	FreedBytes int64
}

// Task is one housekeeping operation selectable by ID.
type Task struct {
	ID          string
	Name        string
	Description string
	Run         func(opts Options) (*Report, error)
}

// BuiltinTasks contains the housekeeping operations the clean command offers.
var BuiltinTasks = []Task{
	{
		ID:          "logs",
		Name:        "Prune run logs",
		Description: "Remove per-run log files older than the retention window; completion markers are kept",
		Run:         pruneLogs,
	},
	{
		ID:          "staging",
		Name:        "Clear staged inputs",
		Description: "Remove staged dataset copies under the work directory left by interrupted runs",
		Run:         pruneStaging,
	},
}

// ForID returns the builtin task with the given ID.
func ForID(id string) (Task, bool) {
	for _, t := range BuiltinTasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// pruneLogs removes *.log files under LogDir older than MaxAge. Marker
// files (.done.json) record idempotency state and are never touched.
func pruneLogs(opts Options) (*Report, error) {
	if opts.LogDir == "" {
		return &Report{}, nil
	}
	cutoff := time.Now().Add(-opts.MaxAge)
	report := &Report{}

	err := filepath.Walk(opts.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".log") {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		report.Removed = append(report.Removed, path)
		report.FreedBytes += info.Size()
		if opts.DryRun {
			return nil
		}
		return os.Remove(path)
	})
	if err != nil {
		return nil, fmt.Errorf("pruning logs: %w", err)
	}
	return report, nil
}

// pruneStaging removes <work>/<run>/bids trees older than MaxAge. A
// successful container run removes its own staging; anything still here
// past the window belongs to an interrupted run.
func pruneStaging(opts Options) (*Report, error) {
	if opts.WorkDir == "" {
		return &Report{}, nil
	}
	entries, err := os.ReadDir(opts.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Report{}, nil
		}
		return nil, fmt.Errorf("reading work directory: %w", err)
	}

	cutoff := time.Now().Add(-opts.MaxAge)
	report := &Report{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		staged := filepath.Join(opts.WorkDir, entry.Name(), "bids")
		info, err := os.Stat(staged)
		if err != nil || !info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		size, _ := dirSize(staged)
		report.Removed = append(report.Removed, staged)
		report.FreedBytes += size
		if opts.DryRun {
			continue
		}
		if err := os.RemoveAll(staged); err != nil {
			return nil, fmt.Errorf("removing %s: %w", staged, err)
		}
	}
	return report, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
