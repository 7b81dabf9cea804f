package procedure

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yalab-neuro/neuroproc/internal/bids"
)

// fakeSpec is a minimal procedure used to exercise the runner lifecycle
type fakeSpec struct {
	Options
	name     string
	execute  func(ctx context.Context, run *Run) error
	executed int
}

func (s *fakeSpec) Name() string {
	if s.name == "" {
		return "fake"
	}
	return s.name
}

func (s *fakeSpec) Version() string { return "0.0.1" }

func (s *fakeSpec) Validate() error {
	return RequireDir("input directory", s.InputDir)
}

func (s *fakeSpec) Entities() bids.Entities {
	return bids.Entities{Subject: "01", Session: "A"}
}

func (s *fakeSpec) Config() map[string]any {
	return map[string]any{
		"input_directory":  s.InputDir,
		"output_directory": s.OutputDir,
		"force":            s.Force,
	}
}

func (s *fakeSpec) Execute(ctx context.Context, run *Run) error {
	s.executed++
	if s.execute != nil {
		return s.execute(ctx, run)
	}
	return nil
}

// newFakeSpec builds a spec with existing input and fresh output dirs
func newFakeSpec(t *testing.T) *fakeSpec {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "input")
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatal(err)
	}
	return &fakeSpec{Options: Options{
		InputDir:  input,
		OutputDir: filepath.Join(root, "derivatives", "fake"),
	}}
}

func TestRequireDir(t *testing.T) {
	dir := t.TempDir()
	if err := RequireDir("input", dir); err != nil {
		t.Errorf("RequireDir() error = %v, want nil", err)
	}

	err := RequireDir("input", "")
	if !errors.Is(err, ErrMissingInput) {
		t.Errorf("RequireDir(empty) error = %v, want ErrMissingInput", err)
	}
	err = RequireDir("input", filepath.Join(dir, "missing"))
	if !errors.Is(err, ErrMissingInput) {
		t.Errorf("RequireDir(missing) error = %v, want ErrMissingInput", err)
	}

	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RequireDir("input", file); err == nil {
		t.Error("RequireDir(file) error = nil, want error")
	}
}

func TestRequireFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "heuristic.py")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RequireFile("heuristic", file); err != nil {
		t.Errorf("RequireFile() error = %v, want nil", err)
	}
	if err := RequireFile("heuristic", dir); err == nil {
		t.Error("RequireFile(dir) error = nil, want error")
	}
	if !errors.Is(RequireFile("heuristic", ""), ErrMissingInput) {
		t.Error("RequireFile(empty) want ErrMissingInput")
	}
}

func TestMissingOutputs(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "fa.nii.gz")
	if err := os.WriteFile(present, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	missing := MissingOutputs(map[string]string{
		"fa": present,
		"md": filepath.Join(dir, "md.nii.gz"),
		"dt": filepath.Join(dir, "dt.nii.gz"),
	})
	want := []string{"dt", "md"}
	if len(missing) != len(want) {
		t.Fatalf("MissingOutputs() = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Errorf("MissingOutputs()[%d] = %q, want %q", i, missing[i], want[i])
		}
	}
}

func TestProcessError_Error(t *testing.T) {
	err := &ProcessError{Command: "axsi-main --data x", ExitCode: 2, Stderr: "boom\n"}
	got := err.Error()
	want := "axsi-main --data x: exit code 2: boom"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err = &ProcessError{Command: "heudiconv", ExitCode: 0, Stderr: "warning: bad\n"}
	if got := err.Error(); got != "heudiconv: wrote to stderr: warning: bad" {
		t.Errorf("Error() = %q", got)
	}
}
