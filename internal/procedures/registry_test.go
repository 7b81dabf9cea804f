package procedures

import (
	"strings"
	"testing"

	"github.com/yalab-neuro/neuroproc/internal/config"
	"github.com/yalab-neuro/neuroproc/internal/pipeline"
	"github.com/yalab-neuro/neuroproc/internal/procedures/axsi"
	"github.com/yalab-neuro/neuroproc/internal/procedures/dicom2bids"
	"github.com/yalab-neuro/neuroproc/internal/procedures/qsiprep"
	"github.com/yalab-neuro/neuroproc/internal/procedures/smriprep"
)

func TestBuilder_UnknownProcedure(t *testing.T) {
	build := Builder(config.Default())
	_, err := build(pipeline.Step{Name: "x", Procedure: "fsl"})
	if err == nil || !strings.Contains(err.Error(), "unknown procedure") {
		t.Errorf("error = %v, want unknown procedure", err)
	}
}

func TestBuilder_CoversAllNames(t *testing.T) {
	build := Builder(config.Default())
	for _, name := range Names() {
		spec, err := build(pipeline.Step{Name: name, Procedure: name})
		if err != nil {
			t.Errorf("build(%s) error = %v", name, err)
			continue
		}
		if spec.Name() != name {
			t.Errorf("build(%s).Name() = %q", name, spec.Name())
		}
	}
}

func TestBuilder_Dicom2BIDSDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.General.DataRoot = "/data/bids"
	cfg.Conversion.HeuristicFile = "/etc/heuristic.py"
	build := Builder(cfg)

	spec, err := build(pipeline.Step{
		Name:      "convert",
		Procedure: "dicom2bids",
		With: map[string]any{
			"input":             "/incoming/003006_20240609_1801",
			"subject":           "003006",
			"session":           "202406091801",
			"allow_first_as_b0": true,
		},
	})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	p := spec.(*dicom2bids.Procedure)
	if p.OutputDir != "/data/bids" {
		t.Errorf("OutputDir = %q, want the configured data root", p.OutputDir)
	}
	if p.HeuristicFile != "/etc/heuristic.py" {
		t.Errorf("HeuristicFile = %q, want the configured heuristic", p.HeuristicFile)
	}
	if p.Subject != "003006" || p.Session != "202406091801" {
		t.Errorf("entities = %s/%s", p.Subject, p.Session)
	}
	if !p.AllowFirstAsB0 {
		t.Error("AllowFirstAsB0 = false, want the step override")
	}
}

func TestBuilder_QSIPrepImageTagFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Docker.QSIPrepImage = "pennlinc/qsiprep:0.20.0"
	build := Builder(cfg)

	spec, err := build(pipeline.Step{
		Name:      "preprocess",
		Procedure: "qsiprep",
		With:      map[string]any{"participants": []any{"01", "02"}},
	})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	p := spec.(*qsiprep.Procedure)
	if p.ImageVersion != "0.20.0" {
		t.Errorf("ImageVersion = %q, want 0.20.0", p.ImageVersion)
	}
	if len(p.Subjects) != 2 || p.Subjects[0] != "01" {
		t.Errorf("Subjects = %v, want [01 02]", p.Subjects)
	}
	if p.InputDir != cfg.General.DataRoot {
		t.Errorf("InputDir = %q, want the data root", p.InputDir)
	}
}

func TestBuilder_StagingFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Staging.Enabled = false
	cfg.Staging.RsyncBinary = "/opt/bin/rsync"
	build := Builder(cfg)

	spec, err := build(pipeline.Step{Name: "preproc", Procedure: "qsiprep"})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	p := spec.(*qsiprep.Procedure)
	if p.StageInputs {
		t.Error("StageInputs = true, want the configured staging.enabled = false")
	}
	if p.RsyncBinary != "/opt/bin/rsync" {
		t.Errorf("RsyncBinary = %q, want the configured binary", p.RsyncBinary)
	}

	spec, err = build(pipeline.Step{Name: "anat", Procedure: "smriprep"})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	s := spec.(*smriprep.Procedure)
	if s.StageInputs || s.RsyncBinary != "/opt/bin/rsync" {
		t.Errorf("smriprep staging = %v/%q, want false/configured binary", s.StageInputs, s.RsyncBinary)
	}
}

func TestBuilder_ParticipantListString(t *testing.T) {
	build := Builder(config.Default())
	spec, err := build(pipeline.Step{
		Name:      "preprocess",
		Procedure: "qsiprep",
		With:      map[string]any{"participant": "01,02"},
	})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	p := spec.(*qsiprep.Procedure)
	if len(p.Subjects) != 2 || p.Subjects[1] != "02" {
		t.Errorf("Subjects = %v, want [01 02]", p.Subjects)
	}
}

func TestBuilder_AxSIOverrides(t *testing.T) {
	build := Builder(config.Default())
	spec, err := build(pipeline.Step{
		Name:      "model",
		Procedure: "axsi",
		With: map[string]any{
			"data":        "/d/dwi.nii.gz",
			"small_delta": 12.5,
			"gamma_val":   4000,
		},
	})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	p := spec.(*axsi.Procedure)
	if p.SmallDelta != 12.5 {
		t.Errorf("SmallDelta = %v, want 12.5", p.SmallDelta)
	}
	if p.GammaVal != 4000 {
		t.Errorf("GammaVal = %d, want 4000", p.GammaVal)
	}
	// Untouched parameters keep their solver defaults.
	if p.BigDelta != 45.0 || p.NonlinearLSQMethod != "R-minpack" {
		t.Errorf("defaults clobbered: big_delta=%v method=%s", p.BigDelta, p.NonlinearLSQMethod)
	}
}

func TestBuilder_SMRIPrepSubject(t *testing.T) {
	cfg := config.Default()
	cfg.Docker.FreeSurferLicense = "/opt/freesurfer/license.txt"
	build := Builder(cfg)

	spec, err := build(pipeline.Step{
		Name:      "anat",
		Procedure: "smriprep",
		With:      map[string]any{"subject": "01"},
	})
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	p := spec.(*smriprep.Procedure)
	if p.Subject != "01" {
		t.Errorf("Subject = %q, want 01", p.Subject)
	}
	if p.FSLicenseFile != "/opt/freesurfer/license.txt" {
		t.Errorf("FSLicenseFile = %q, want the configured license", p.FSLicenseFile)
	}
}

func TestImageTag(t *testing.T) {
	tests := []struct {
		image    string
		fallback string
		want     string
	}{
		{"pennlinc/qsiprep:latest", "x", "latest"},
		{"nipreps/smriprep:0.15.0", "x", "0.15.0"},
		{"qsiprep", "latest", "latest"},
		{"qsiprep:", "latest", "latest"},
	}
	for _, tt := range tests {
		if got := imageTag(tt.image, tt.fallback); got != tt.want {
			t.Errorf("imageTag(%q) = %q, want %q", tt.image, got, tt.want)
		}
	}
}
