// Package daemon runs the unattended service: the incoming-session
// watcher and the scheduled sweeps feed a job queue drained by
// max_parallel_runs workers, with at most one pipeline in flight per
// subject/session.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yalab-neuro/neuroproc/internal/config"
	"github.com/yalab-neuro/neuroproc/internal/dataset"
	"github.com/yalab-neuro/neuroproc/internal/notify"
	"github.com/yalab-neuro/neuroproc/internal/pipeline"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
	"github.com/yalab-neuro/neuroproc/internal/schedule"
	"github.com/yalab-neuro/neuroproc/internal/watch"
)

// queueSize bounds pending jobs; sweeps re-enqueue on the next tick, so
// a full queue drops rather than blocks.
const queueSize = 64

// job is one unit of queued work: a resolved pipeline for a single
// subject/session.
type job struct {
	key   string // busy-map key, the session identifier
	label string
	steps []pipeline.Step
}

// Daemon supervises the watcher, the sweep scheduler and the job worker.
type Daemon struct {
	Config   *config.Config
	Store    *runstore.Store
	Runner   *procedure.Runner
	Build    pipeline.BuildFunc
	Notifier notify.Notifier
	Log      *slog.Logger

	stats Stats
	queue chan job

	busyMu sync.Mutex
	busy   map[string]bool
}

// New assembles a daemon over the given configuration and collaborators.
func New(cfg *config.Config, store *runstore.Store, runner *procedure.Runner, build pipeline.BuildFunc, log *slog.Logger) *Daemon {
	return &Daemon{
		Config: cfg,
		Store:  store,
		Runner: runner,
		Build:  build,
		Log:    log,
		queue:  make(chan job, queueSize),
		busy:   make(map[string]bool),
	}
}

// Snapshot returns the daemon activity counters.
func (d *Daemon) Snapshot() Snapshot {
	return d.stats.Snapshot()
}

// Run blocks until ctx is canceled or a component fails. The watcher
// and scheduler only start when configured; the worker always runs.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	workers := d.Config.General.MaxParallelRuns
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return d.work(ctx)
		})
	}

	if dir := d.Config.Watch.IncomingDir; dir != "" {
		debounce := time.Duration(d.Config.Watch.DebounceSeconds) * time.Second
		w, err := watch.New(dir, debounce, d.handleExport, d.Log)
		if err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
			<-ctx.Done()
			w.Stop()
			return nil
		})
		d.Log.Info("watching incoming directory", "dir", dir, "debounce", debounce)
	}

	if len(d.Config.Sweeps) > 0 {
		sched, err := schedule.NewScheduler(d.Config.Sweeps, d.Log)
		if err != nil {
			return fmt.Errorf("configuring sweeps: %w", err)
		}
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				sched.Stop()
			}()
			sched.Start(d.runSweep)
			return nil
		})
		d.Log.Info("sweeps scheduled", "count", len(d.Config.Sweeps))
	}

	return g.Wait()
}

// work drains the job queue, one pipeline at a time per worker.
func (d *Daemon) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-d.queue:
			d.process(ctx, j)
		}
	}
}

func (d *Daemon) process(ctx context.Context, j job) {
	defer d.release(j.key)

	start := time.Now()
	p := &pipeline.Pipeline{Name: j.label, Steps: j.steps}
	err := p.Run(ctx, d.Runner, d.Build, d.Log)
	d.stats.recordResult(time.Since(start), err != nil)
	if err != nil {
		d.Log.Error("job failed", "job", j.label, "error", err)
	}
}

// tryEnqueue queues a job unless its session is already queued or
// running, or the queue is full.
func (d *Daemon) tryEnqueue(j job) bool {
	d.busyMu.Lock()
	if d.busy[j.key] {
		d.busyMu.Unlock()
		return false
	}
	d.busy[j.key] = true
	d.busyMu.Unlock()

	select {
	case d.queue <- j:
		d.stats.recordEnqueued()
		return true
	default:
		d.release(j.key)
		d.stats.recordDropped()
		d.Log.Warn("job queue full, dropping", "job", j.label)
		return false
	}
}

func (d *Daemon) release(key string) {
	d.busyMu.Lock()
	delete(d.busy, key)
	d.busyMu.Unlock()
}

// handleExport reacts to a settled incoming session: exports named
// <subject>_<date>_<time> are queued for conversion, anything else is
// reported for manual handling.
func (d *Daemon) handleExport(dir string) {
	exp, ok := ParseExport(dir)
	if !ok {
		d.stats.recordDropped()
		d.Log.Warn("incoming session needs manual conversion", "dir", dir)
		if d.Notifier != nil {
			d.Notifier.Send(notify.Notification{
				Type:    notify.NotifyWarning,
				Title:   "Incoming session needs attention",
				Message: fmt.Sprintf("%s does not match <subject>_<date>_<time>; convert it manually", dir),
			})
		}
		return
	}

	steps := []pipeline.Step{{
		Name:      "dicom2bids",
		Procedure: "dicom2bids",
		With: map[string]any{
			"input":   exp.Dir,
			"subject": exp.Subject,
			"session": exp.Session,
		},
	}}
	if file := d.Config.Watch.Pipeline; file != "" {
		p, err := pipeline.Load(file)
		if err != nil {
			d.Log.Error("loading watch pipeline, converting only", "file", file, "error", err)
		} else {
			steps = append(steps, p.Resolve(exp.Subject, exp.Session).Steps...)
		}
	}

	key := "sub-" + exp.Subject + "_ses-" + exp.Session
	if d.tryEnqueue(job{key: key, label: "intake " + key, steps: steps}) {
		d.Log.Info("queued incoming session", "subject", exp.Subject, "session", exp.Session, "dir", dir)
	}
}

// runSweep refreshes the dataset inventory and queues the sweep's
// pipeline for up to MaxRuns sessions.
func (d *Daemon) runSweep(cfg schedule.SweepConfig) error {
	if root := d.Config.General.DataRoot; root != "" {
		if _, err := dataset.Sync(root, d.Store); err != nil {
			return fmt.Errorf("sweep %s: %w", cfg.Name, err)
		}
	}

	p, err := pipeline.Load(cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", cfg.Name, err)
	}

	sessions, err := d.Store.ListSessions()
	if err != nil {
		return fmt.Errorf("sweep %s: %w", cfg.Name, err)
	}

	queued := 0
	for _, sess := range sessions {
		if queued >= cfg.MaxRuns {
			break
		}
		resolved := p.Resolve(sess.Subject, sess.Session)
		j := job{
			key:   sess.Key(),
			label: fmt.Sprintf("sweep %s %s", cfg.Name, sess.Key()),
			steps: resolved.Steps,
		}
		if d.tryEnqueue(j) {
			queued++
		}
	}
	d.Log.Info("sweep queued sessions", "sweep", cfg.Name, "queued", queued)
	return nil
}
