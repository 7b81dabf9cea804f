package procedure

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/notify"
)

// runNamespace is a fixed UUID namespace for deriving deterministic run IDs
var runNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// NewRunID derives a deterministic UUID for one run attempt
func NewRunID(procedure, subject, session string, started time.Time) string {
	key := fmt.Sprintf("%s/%s/%s/%d", procedure, subject, session, started.UnixNano())
	return uuid.NewSHA1(runNamespace, []byte(key)).String()
}

// ParseLevel maps a configured level name to a slog level. The critical
// name maps above error so it still filters correctly.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// RunRecorder persists run history. Implemented by runstore.Store.
type RunRecorder interface {
	RecordStart(run *domain.Run) error
	RecordResult(run *domain.Run) error
}

// Runner drives specs through the shared lifecycle. Store and Notifier are
// optional; a zero Runner just executes.
type Runner struct {
	Store    RunRecorder
	Notifier notify.Notifier
}

// Run executes one procedure: validate, create directories, open the
// per-run log, honor the completion marker, execute, write the marker and
// record the outcome. A skipped run returns with status skipped and a nil
// error.
func (r *Runner) Run(ctx context.Context, spec Spec) (*domain.Run, error) {
	opts := spec.Common()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(filepath.Dir(opts.OutputDir), "logs")
	}
	for _, dir := range []string{opts.OutputDir, opts.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	started := time.Now()
	logPath := filepath.Join(opts.LogDir, fmt.Sprintf("%s_%s.log", spec.Name(), started.Format("20060102_150405")))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	w := &syncWriter{f: logFile}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.LogLevel),
	})).With("procedure", spec.Name())

	e := spec.Entities()
	run := &domain.Run{
		ID:        NewRunID(spec.Name(), e.Subject, e.Session, started),
		Procedure: spec.Name(),
		Version:   spec.Version(),
		Subject:   e.Subject,
		Session:   e.Session,
		Status:    domain.RunRunning,
		OutputDir: opts.OutputDir,
		LogPath:   logPath,
		StartedAt: &started,
	}

	markerPath := MarkerPath(opts.LogDir, spec)
	marker, err := ReadMarker(markerPath)
	if err != nil {
		logger.Warn("ignoring unreadable completion marker", "marker", markerPath, "error", err)
	}
	if marker != nil {
		switch {
		case opts.Force:
			logger.Info("removing completion marker, force requested", "marker", markerPath)
			if err := os.Remove(markerPath); err != nil {
				return nil, fmt.Errorf("removing marker: %w", err)
			}
		case marker.OutputDir() == opts.OutputDir:
			logger.Info("outputs already generated in this directory, skipping",
				"marker", markerPath, "last_run", marker.Timestamp)
			return r.finish(run, domain.RunSkipped, nil, logger)
		}
	}

	logger.Info("running procedure", "input", opts.InputDir, "output", opts.OutputDir)
	r.recordStart(run, logger)

	execErr := spec.Execute(ctx, &Run{Log: logger, LogPath: logPath, w: w})
	if errors.Is(execErr, ErrUpToDate) {
		logger.Info("declared outputs already exist, skipping")
		return r.finish(run, domain.RunSkipped, nil, logger)
	}
	if execErr != nil {
		logger.Error("procedure failed", "error", execErr)
		return r.finish(run, domain.RunFailed, execErr, logger)
	}

	if err := WriteMarker(markerPath, spec); err != nil {
		logger.Warn("writing completion marker", "error", err)
	}
	logger.Info("procedure completed", "output", opts.OutputDir)
	return r.finish(run, domain.RunSucceeded, nil, logger)
}

func (r *Runner) finish(run *domain.Run, status domain.RunStatus, execErr error, logger *slog.Logger) (*domain.Run, error) {
	now := time.Now()
	run.FinishedAt = &now
	run.Status = status
	if execErr != nil {
		run.Error = execErr.Error()
		var perr *ProcessError
		if errors.As(execErr, &perr) {
			run.ExitCode = perr.ExitCode
		}
	}

	if r.Store != nil {
		if err := r.Store.RecordResult(run); err != nil {
			logger.Warn("recording run result", "error", err)
		}
	}
	if r.Notifier != nil && status != domain.RunSkipped {
		if err := r.Notifier.Send(notify.ForRun(run)); err != nil {
			logger.Warn("sending notification", "error", err)
		}
	}
	return run, execErr
}

func (r *Runner) recordStart(run *domain.Run, logger *slog.Logger) {
	if r.Store == nil {
		return
	}
	if err := r.Store.RecordStart(run); err != nil {
		logger.Warn("recording run start", "error", err)
	}
}

// syncWriter serializes writes to the run log and flushes each one so the
// file can be tailed while the procedure runs
type syncWriter struct {
	mu sync.Mutex
	f  *os.File
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.f.Write(p)
	w.f.Sync()
	return n, err
}

// Run is the per-run context handed to an executing procedure
type Run struct {
	Log     *slog.Logger
	LogPath string
	w       *syncWriter
}

// Exec runs an external command, streaming both output streams into the
// run log while capturing them. A non-zero exit yields a *ProcessError.
func (r *Run) Exec(ctx context.Context, name string, args ...string) (string, string, error) {
	return r.exec(ctx, false, name, args...)
}

// ExecStrict applies the failure rule used by tools that report problems
// only on their error stream: any stderr output fails the command, even
// on a zero exit code.
func (r *Run) ExecStrict(ctx context.Context, name string, args ...string) (string, string, error) {
	return r.exec(ctx, true, name, args...)
}

func (r *Run) exec(ctx context.Context, failOnStderr bool, name string, args ...string) (string, string, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	r.Log.Info("running command", "command", cmdline)

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", "", err
	}
	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("starting %s: %w", name, err)
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	readLines := func(src io.Reader, buf *strings.Builder) {
		defer wg.Done()
		scanner := bufio.NewScanner(src)
		b := make([]byte, 0, 64*1024)
		scanner.Buffer(b, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			buf.WriteString(line)
			buf.WriteByte('\n')
			if r.w != nil {
				r.w.Write([]byte(line + "\n"))
			}
		}
	}
	go readLines(stdout, &outBuf)
	go readLines(stderr, &errBuf)
	wg.Wait()

	waitErr := cmd.Wait()
	outStr, errStr := outBuf.String(), errBuf.String()

	if waitErr != nil || (failOnStderr && strings.TrimSpace(errStr) != "") {
		exitCode := 0
		if waitErr != nil {
			exitCode = -1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
		}
		perr := &ProcessError{Command: cmdline, ExitCode: exitCode, Stdout: outStr, Stderr: errStr}
		r.Log.Error("command failed", "command", cmdline, "exit_code", exitCode)
		return outStr, errStr, perr
	}
	return outStr, errStr, nil
}
