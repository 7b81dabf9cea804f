package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFileAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestPruneLogs(t *testing.T) {
	logDir := t.TempDir()
	oldLog := filepath.Join(logDir, "qsiprep_20240101_120000.log")
	newLog := filepath.Join(logDir, "qsiprep_20260101_120000.log")
	marker := filepath.Join(logDir, "qsiprep-0.0.1.done.json")
	writeFileAged(t, oldLog, 48*time.Hour)
	writeFileAged(t, newLog, time.Hour)
	writeFileAged(t, marker, 48*time.Hour)

	task, ok := ForID("logs")
	if !ok {
		t.Fatal("logs task not registered")
	}
	report, err := task.Run(Options{LogDir: logDir, MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(report.Removed) != 1 || report.Removed[0] != oldLog {
		t.Errorf("Removed = %v, want [%s]", report.Removed, oldLog)
	}
	if _, err := os.Stat(oldLog); !os.IsNotExist(err) {
		t.Error("old log still present")
	}
	if _, err := os.Stat(newLog); err != nil {
		t.Error("recent log was removed")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("marker file must never be pruned")
	}
}

func TestPruneLogs_DryRun(t *testing.T) {
	logDir := t.TempDir()
	oldLog := filepath.Join(logDir, "axsi_20240101_120000.log")
	writeFileAged(t, oldLog, 48*time.Hour)

	task, _ := ForID("logs")
	report, err := task.Run(Options{LogDir: logDir, MaxAge: 24 * time.Hour, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Removed) != 1 {
		t.Errorf("Removed = %v, want the old log listed", report.Removed)
	}
	if _, err := os.Stat(oldLog); err != nil {
		t.Error("dry run must not remove files")
	}
}

func TestPruneStaging(t *testing.T) {
	workDir := t.TempDir()
	stale := filepath.Join(workDir, "qsiprep_20240101_120000", "bids")
	writeFileAged(t, filepath.Join(stale, "sub-01", "dwi.nii.gz"), time.Hour)
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(workDir, "qsiprep_20260101_120000", "bids")
	writeFileAged(t, filepath.Join(fresh, "sub-02", "dwi.nii.gz"), time.Hour)

	task, ok := ForID("staging")
	if !ok {
		t.Fatal("staging task not registered")
	}
	report, err := task.Run(Options{WorkDir: workDir, MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(report.Removed) != 1 || report.Removed[0] != stale {
		t.Errorf("Removed = %v, want [%s]", report.Removed, stale)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale staging dir still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh staging dir was removed")
	}
}

func TestPruneStaging_MissingWorkDir(t *testing.T) {
	task, _ := ForID("staging")
	report, err := task.Run(Options{WorkDir: filepath.Join(t.TempDir(), "nope"), MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("missing work dir should not error: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Errorf("Removed = %v, want empty", report.Removed)
	}
}
