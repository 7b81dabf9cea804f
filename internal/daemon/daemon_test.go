package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/config"
	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/notify"
	"github.com/yalab-neuro/neuroproc/internal/pipeline"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
	"github.com/yalab-neuro/neuroproc/internal/schedule"
)

func TestParseExport(t *testing.T) {
	tests := []struct {
		dir         string
		wantSubject string
		wantSession string
		wantOK      bool
	}{
		{"/incoming/003006_20240609_1801", "003006", "202406091801", true},
		{"003006_20240609_1801", "003006", "202406091801", true},
		{"/incoming/YA_lab_Yaniv_General_20240609_1801", "", "", false},
		{"/incoming/003006_20240609", "", "", false},
		{"/incoming/003006_2024_1801", "", "", false},
		{"/incoming/003006_20240609_ab01", "", "", false},
		{"/incoming/_20240609_1801", "", "", false},
		{"/incoming/nounderscores", "", "", false},
	}

	for _, tt := range tests {
		exp, ok := ParseExport(tt.dir)
		if ok != tt.wantOK {
			t.Errorf("ParseExport(%q) ok = %v, want %v", tt.dir, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if exp.Subject != tt.wantSubject || exp.Session != tt.wantSession {
			t.Errorf("ParseExport(%q) = %s/%s, want %s/%s",
				tt.dir, exp.Subject, exp.Session, tt.wantSubject, tt.wantSession)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDaemon(t *testing.T, cfg *config.Config, build pipeline.BuildFunc) *Daemon {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := runstore.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, &procedure.Runner{}, build, testLogger())
}

func TestTryEnqueue_SerializesPerSession(t *testing.T) {
	d := testDaemon(t, nil, nil)

	j := job{key: "sub-01_ses-A", label: "test"}
	if !d.tryEnqueue(j) {
		t.Fatal("first enqueue should succeed")
	}
	if d.tryEnqueue(j) {
		t.Error("second enqueue of a busy session should be refused")
	}
	if !d.tryEnqueue(job{key: "sub-02_ses-A", label: "other"}) {
		t.Error("different session should enqueue")
	}

	d.release(j.key)
	if !d.tryEnqueue(j) {
		t.Error("released session should enqueue again")
	}

	snap := d.Snapshot()
	if snap.Enqueued != 3 {
		t.Errorf("Enqueued = %d, want 3", snap.Enqueued)
	}
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func TestHandleExport_QueuesConversion(t *testing.T) {
	d := testDaemon(t, nil, nil)
	d.handleExport("/incoming/003006_20240609_1801")

	select {
	case j := <-d.queue:
		if j.key != "sub-003006_ses-202406091801" {
			t.Errorf("job key = %q, want sub-003006_ses-202406091801", j.key)
		}
		if len(j.steps) != 1 || j.steps[0].Procedure != "dicom2bids" {
			t.Fatalf("steps = %+v, want a single dicom2bids step", j.steps)
		}
		with := j.steps[0].With
		if with["input"] != "/incoming/003006_20240609_1801" {
			t.Errorf("input = %v", with["input"])
		}
		if with["subject"] != "003006" || with["session"] != "202406091801" {
			t.Errorf("entities = %v/%v", with["subject"], with["session"])
		}
	default:
		t.Fatal("no job queued for a well-formed export")
	}
}

func TestHandleExport_AppendsWatchPipeline(t *testing.T) {
	dir := t.TempDir()
	pipelineFile := filepath.Join(dir, "intake.yaml")
	content := `name: post-intake
steps:
  - procedure: qsiprep
    with:
      participants: ["{subject}"]
`
	if err := os.WriteFile(pipelineFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Watch.Pipeline = pipelineFile
	d := testDaemon(t, cfg, nil)

	d.handleExport("/incoming/003006_20240609_1801")

	j := <-d.queue
	if len(j.steps) != 2 {
		t.Fatalf("steps = %d, want conversion + pipeline step", len(j.steps))
	}
	if j.steps[1].Procedure != "qsiprep" {
		t.Errorf("steps[1].Procedure = %q, want qsiprep", j.steps[1].Procedure)
	}
	labels := j.steps[1].Strings("participants")
	if len(labels) != 1 || labels[0] != "003006" {
		t.Errorf("participants = %v, want [003006] (placeholder resolved)", labels)
	}
}

func TestHandleExport_UnparseableNotifies(t *testing.T) {
	d := testDaemon(t, nil, nil)
	notifier := &recordingNotifier{}
	d.Notifier = notifier

	d.handleExport("/incoming/YA_lab_Yaniv_General_20240609_1801")

	select {
	case <-d.queue:
		t.Fatal("unparseable export must not be queued")
	default:
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.sent))
	}
	if notifier.sent[0].Type != notify.NotifyWarning {
		t.Errorf("notification type = %v, want warning", notifier.sent[0].Type)
	}
	if d.Snapshot().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", d.Snapshot().Dropped)
	}
}

func TestRunSweep_QueuesUpToMaxRuns(t *testing.T) {
	dir := t.TempDir()
	pipelineFile := filepath.Join(dir, "sweep.yaml")
	content := `steps:
  - procedure: smriprep
    with:
      subject: "{subject}"
`
	if err := os.WriteFile(pipelineFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d := testDaemon(t, nil, nil)
	for _, key := range []string{"01", "02", "03"} {
		err := d.Store.UpsertSession(&domain.ImagingSession{
			Subject: key, Session: "A", Path: "/data/sub-" + key,
			FirstSeen: time.Now(), LastSeen: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	sweep := schedule.SweepConfig{Name: "test", Cron: "* * * * *", Pipeline: pipelineFile, MaxRuns: 2}
	if err := d.runSweep(sweep); err != nil {
		t.Fatalf("runSweep() error = %v", err)
	}

	if got := len(d.queue); got != 2 {
		t.Errorf("queued jobs = %d, want MaxRuns = 2", got)
	}
	j := <-d.queue
	if j.steps[0].String("subject", "") != "01" {
		t.Errorf("subject = %q, want 01 (placeholder resolved)", j.steps[0].String("subject", ""))
	}
}

// stubSpec is the minimal procedure the worker can drive end to end.
type stubSpec struct {
	procedure.Options
	name     string
	executed int
	fail     bool
}

func (s *stubSpec) Name() string            { return s.name }
func (s *stubSpec) Version() string         { return "0.0.1" }
func (s *stubSpec) Validate() error         { return nil }
func (s *stubSpec) Entities() bids.Entities { return bids.Entities{Subject: "01", Session: "A"} }
func (s *stubSpec) Config() map[string]any {
	return map[string]any{"output_directory": s.OutputDir}
}
func (s *stubSpec) Execute(ctx context.Context, run *procedure.Run) error {
	s.executed++
	if s.fail {
		return &procedure.ProcessError{Command: s.name, ExitCode: 1}
	}
	return nil
}

// gateSpec blocks in Execute until released, so tests can observe how
// many jobs are in flight at once.
type gateSpec struct {
	stubSpec
	started chan string
	release chan struct{}
}

func (s *gateSpec) Execute(ctx context.Context, run *procedure.Run) error {
	s.started <- s.name
	<-s.release
	return nil
}

func TestRun_HonorsMaxParallelRuns(t *testing.T) {
	cfg := config.Default()
	cfg.General.MaxParallelRuns = 2

	started := make(chan string, 4)
	release := make(chan struct{})
	build := func(step pipeline.Step) (procedure.Spec, error) {
		s := &gateSpec{started: started, release: release}
		s.name = step.Name
		s.OutputDir = filepath.Join(t.TempDir(), step.Name)
		return s, nil
	}
	d := testDaemon(t, cfg, build)

	for _, key := range []string{"sub-01_ses-A", "sub-02_ses-A"} {
		if !d.tryEnqueue(job{key: key, label: key, steps: []pipeline.Step{{Name: key, Procedure: "stub"}}}) {
			t.Fatalf("enqueue %s failed", key)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	// both sessions must be in flight at once before either is released
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("%d jobs in flight, want 2 with max_parallel_runs = 2", i)
		}
	}
	close(release)
	cancel()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestWork_ProcessesQueuedJob(t *testing.T) {
	dir := t.TempDir()
	spec := &stubSpec{name: "stub"}
	spec.OutputDir = filepath.Join(dir, "out")

	build := func(step pipeline.Step) (procedure.Spec, error) {
		return spec, nil
	}
	d := testDaemon(t, nil, build)

	if !d.tryEnqueue(job{key: "sub-01_ses-A", label: "test", steps: []pipeline.Step{{Name: "stub", Procedure: "stub"}}}) {
		t.Fatal("enqueue failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.work(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for spec.executed == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never executed the job")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	snap := d.Snapshot()
	if snap.Completed != 1 || snap.Failed != 0 {
		t.Errorf("completed/failed = %d/%d, want 1/0", snap.Completed, snap.Failed)
	}

	// busy key released after the run
	if !d.tryEnqueue(job{key: "sub-01_ses-A", label: "again"}) {
		t.Error("session still marked busy after its job finished")
	}
}
