// Package procedure implements the lifecycle every pipeline step shares:
// input validation, per-run log files, completion markers, external tool
// execution and run-history recording.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/yalab-neuro/neuroproc/internal/bids"
)

// ErrMissingInput marks a required input path that is unset or absent
var ErrMissingInput = errors.New("missing required input")

// ErrUpToDate is returned by a procedure whose declared outputs already
// exist; the runner records the run as skipped instead of failed
var ErrUpToDate = errors.New("outputs up to date")

// ProcessError reports a failed external command with its captured output
type ProcessError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: exit code %d: %s", e.Command, e.ExitCode, detail)
	}
	return fmt.Sprintf("%s: wrote to stderr: %s", e.Command, detail)
}

// Options are the lifecycle inputs every procedure shares. LogDir defaults
// to logs/ next to the output directory when empty.
type Options struct {
	InputDir  string
	OutputDir string
	LogDir    string
	LogLevel  string
	Force     bool
}

// Common exposes the embedded options to the runner
func (o *Options) Common() *Options { return o }

// Spec describes one runnable pipeline step
type Spec interface {
	// Name identifies the procedure in markers, log files and run records
	Name() string
	// Version participates in the marker file name so a changed procedure
	// reruns even over old markers
	Version() string
	// Validate checks required inputs before anything executes
	Validate() error
	// Entities returns the subject and session the run operates on
	Entities() bids.Entities
	// Common returns the shared lifecycle options
	Common() *Options
	// Config returns the marker-serializable view of the inputs: paths as
	// strings, unset optional values as nil
	Config() map[string]any
	// Execute performs the actual work
	Execute(ctx context.Context, run *Run) error
}

// OutputLister is implemented by specs that can enumerate their expected
// output files, keyed by logical name
type OutputLister interface {
	Outputs() map[string]string
}

// CommandPreviewer is implemented by specs whose work is a single external
// command that can be rendered without running it
type CommandPreviewer interface {
	Cmdline() (string, error)
}

// RequireDir errors with ErrMissingInput when path is unset or not a
// directory
func RequireDir(name, path string) error {
	if path == "" {
		return fmt.Errorf("%w: %s not set", ErrMissingInput, name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s %s", ErrMissingInput, name, path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %s is not a directory", name, path)
	}
	return nil
}

// RequireFile errors with ErrMissingInput when path is unset or not a
// regular file
func RequireFile(name, path string) error {
	if path == "" {
		return fmt.Errorf("%w: %s not set", ErrMissingInput, name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s %s", ErrMissingInput, name, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%s %s is a directory, expected a file", name, path)
	}
	return nil
}

// MissingOutputs returns the logical names of declared outputs that do not
// exist yet, sorted for stable reporting
func MissingOutputs(outputs map[string]string) []string {
	var missing []string
	for name, path := range outputs {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
