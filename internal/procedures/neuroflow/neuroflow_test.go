package neuroflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fixture(t *testing.T) *Procedure {
	t.Helper()
	root := t.TempDir()
	in := filepath.Join(root, "sub-01", "ses-202406091801")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	creds := filepath.Join(root, "credentials.json")
	if err := os.WriteFile(creds, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New()
	p.InputDir = in
	p.OutputDir = filepath.Join(root, "neuroflow")
	p.CredentialsFile = creds
	return p
}

func TestCmdline(t *testing.T) {
	p := fixture(t)
	p.Atlases = []string{"fan2016", "huang2022"}

	got, err := p.Cmdline()
	if err != nil {
		t.Fatalf("Cmdline() = %v", err)
	}
	want := "neuroflow process " + p.InputDir + " " + p.OutputDir + " " + p.CredentialsFile +
		" --atlases fan2016,huang2022 --crop_to_gm --max_bval 1000 --nthreads 1 --use_smriprep"
	if got != want {
		t.Errorf("Cmdline()\n got %q\nwant %q", got, want)
	}
}

func TestCmdline_StepSelection(t *testing.T) {
	p := fixture(t)
	p.Steps = []string{"smriprep", "atlases"}
	p.IgnoreSteps = []string{"covariates"}
	p.CropToGM = false

	got, err := p.Cmdline()
	if err != nil {
		t.Fatalf("Cmdline() = %v", err)
	}
	if strings.Contains(got, "--crop_to_gm") {
		t.Errorf("Cmdline() = %q, want no --crop_to_gm", got)
	}
	if !strings.Contains(got, "--ignore_steps covariates") {
		t.Errorf("Cmdline() = %q, want --ignore_steps covariates", got)
	}
	if !strings.Contains(got, "--steps smriprep,atlases") {
		t.Errorf("Cmdline() = %q, want --steps smriprep,atlases", got)
	}
}

func TestValidate(t *testing.T) {
	p := fixture(t)
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	p.Steps = []string{"tractography"}
	if err := p.Validate(); err == nil {
		t.Error("Validate() with unknown step = nil, want error")
	}

	p = fixture(t)
	p.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")
	if err := p.Validate(); err == nil {
		t.Error("Validate() without credentials = nil, want error")
	}
}

func TestEntities(t *testing.T) {
	p := fixture(t)
	ent := p.Entities()
	if ent.Subject != "01" || ent.Session != "202406091801" {
		t.Errorf("Entities() = %s/%s, want 01/202406091801", ent.Subject, ent.Session)
	}
}
