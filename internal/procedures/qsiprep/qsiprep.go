// Package qsiprep preprocesses diffusion-weighted series by running the
// containerized QSIPrep BIDS app over a staged copy of the dataset.
package qsiprep

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/docker"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

const image = "pennlinc/qsiprep"

// rootFiles are the dataset-level files staged alongside the subject trees.
var rootFiles = []string{
	"dataset_description.json",
	"participants.tsv",
	"participants.json",
	"README",
}

// Procedure wraps one QSIPrep container run.
type Procedure struct {
	procedure.Options

	WorkDir  string
	Subjects []string // participant labels, no sub- prefix

	ImageVersion     string  // container tag; latest when empty
	OutputResolution float64 // isotropic output resolution in mm
	OutputSpaces     []string
	Longitudinal     bool
	NoB0Harmonize    bool
	SkipValidation   bool
	BIDSFilterFile   string
	FSLicenseFile    string // explicit license; $FREESURFER_HOME/license.txt when empty
	DockerBinary     string

	StageInputs bool   // mirror the participants into WorkDir before the run
	RsyncBinary string // staging copy tool; "rsync" when empty

	// Recorded in the run config; QSIPrep sizes its own workers inside
	// the container.
	NProcs     int
	OMPThreads int
}

// New returns a Procedure with the container defaults filled in.
func New() *Procedure {
	return &Procedure{
		ImageVersion:     "latest",
		OutputResolution: 1.6,
		NProcs:           runtime.NumCPU(),
		OMPThreads:       1,
		StageInputs:      true,
	}
}

func (p *Procedure) Name() string    { return "qsiprep" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the dataset, the scratch space and the FreeSurfer
// license before anything is staged.
func (p *Procedure) Validate() error {
	if err := procedure.RequireDir("input directory", p.InputDir); err != nil {
		return err
	}
	if p.OutputDir == "" {
		return fmt.Errorf("%w: output directory", procedure.ErrMissingInput)
	}
	if p.WorkDir == "" {
		return fmt.Errorf("%w: work directory", procedure.ErrMissingInput)
	}
	if len(p.Subjects) == 0 {
		return fmt.Errorf("%w: participant labels", procedure.ErrMissingInput)
	}
	if p.BIDSFilterFile != "" {
		if err := procedure.RequireFile("bids filter file", p.BIDSFilterFile); err != nil {
			return err
		}
	}
	_, err := docker.FindLicense(p.FSLicenseFile)
	return err
}

func (p *Procedure) Entities() bids.Entities {
	if len(p.Subjects) == 0 {
		return bids.Entities{}
	}
	return bids.Entities{Subject: p.Subjects[0]}
}

func (p *Procedure) version() string {
	if p.ImageVersion == "" {
		return "latest"
	}
	return p.ImageVersion
}

func (p *Procedure) Config() map[string]any {
	cfg := map[string]any{
		"input_directory":      p.InputDir,
		"output_directory":     p.OutputDir,
		"logging_level":        p.LogLevel,
		"force":                p.Force,
		"work_directory":       p.WorkDir,
		"analysis_level":       "participant",
		"qsiprep_version":      p.version(),
		"participant_label":    p.Subjects,
		"output_resolution":    p.OutputResolution,
		"longitudinal":         p.Longitudinal,
		"no_b0_harmonization":  p.NoB0Harmonize,
		"skip_bids_validation": p.SkipValidation,
		"nprocs":               p.NProcs,
		"omp_nthreads":         p.OMPThreads,
	}
	if p.LogDir == "" {
		cfg["logging_directory"] = nil
	} else {
		cfg["logging_directory"] = p.LogDir
	}
	if len(p.OutputSpaces) == 0 {
		cfg["output_spaces"] = nil
	} else {
		cfg["output_spaces"] = p.OutputSpaces
	}
	if p.BIDSFilterFile == "" {
		cfg["bids_filters"] = nil
	} else {
		cfg["bids_filters"] = p.BIDSFilterFile
	}
	if license, err := docker.FindLicense(p.FSLicenseFile); err == nil {
		cfg["fs_license_file"] = license
	} else {
		cfg["fs_license_file"] = nil
	}
	return cfg
}

// Outputs declares the per-subject HTML reports QSIPrep writes under
// <output>/qsiprep.
func (p *Procedure) Outputs() map[string]string {
	out := p.OutputDir
	if filepath.Base(out) != "qsiprep" {
		out = filepath.Join(out, "qsiprep")
	}
	outputs := make(map[string]string, len(p.Subjects))
	for _, subject := range p.Subjects {
		outputs["report_sub-"+subject] = filepath.Join(out, "sub-"+subject+".html")
	}
	return outputs
}

// command assembles the docker invocation with dataDir mounted at /data.
func (p *Procedure) command(dataDir string) (*docker.Command, error) {
	license, err := docker.FindLicense(p.FSLicenseFile)
	if err != nil {
		return nil, err
	}

	cmd := docker.New(p.DockerBinary, image+":"+p.version())
	if p.BIDSFilterFile != "" {
		cmd.Mount(p.BIDSFilterFile, docker.FilterPath, false)
	}
	cmd.Mount(license, docker.LicensePath, false)
	cmd.Mount(dataDir, docker.DataPath, true)
	cmd.Mount(p.OutputDir, docker.OutPath, false)
	cmd.Mount(p.WorkDir, docker.WorkPath, false)

	if p.Longitudinal {
		cmd.BoolFlag("--longitudinal")
	}
	if p.NoB0Harmonize {
		cmd.BoolFlag("--no-b0-harmonization")
	}
	cmd.FloatFlag("--output-resolution", p.OutputResolution)
	if len(p.OutputSpaces) > 0 {
		cmd.ListFlag("--anatomical-template", p.OutputSpaces, ",")
	}
	cmd.ListFlag("--participant_label", p.Subjects, ",")
	if p.SkipValidation {
		cmd.BoolFlag("--skip-bids-validation")
	}

	cmd.RemapFlag("--fs-license-file", docker.LicensePath)
	cmd.RemapFlag("--work-dir", docker.WorkPath)
	if p.BIDSFilterFile != "" {
		cmd.RemapFlag("--bids-filter-file", docker.FilterPath)
	}
	return cmd, nil
}

// Cmdline renders the container invocation against the unstaged dataset.
func (p *Procedure) Cmdline() (string, error) {
	cmd, err := p.command(p.InputDir)
	if err != nil {
		return "", err
	}
	return cmd.Cmdline(), nil
}

// Execute stages the participants into the work directory, runs the
// container over the staged copy and removes it on success. With
// staging disabled the container mounts the dataset directly. The app
// streams progress to stderr, so only the exit code decides failure.
func (p *Procedure) Execute(ctx context.Context, run *procedure.Run) error {
	if !p.Force {
		if missing := procedure.MissingOutputs(p.Outputs()); len(missing) == 0 {
			return procedure.ErrUpToDate
		}
	}

	if !p.StageInputs {
		cmd, err := p.command(p.InputDir)
		if err != nil {
			return err
		}
		_, _, err = run.Exec(ctx, cmd.Tool(), cmd.Args()...)
		return err
	}

	stager := &docker.Stager{
		Rsync:    p.RsyncBinary,
		Source:   p.InputDir,
		WorkDir:  p.WorkDir,
		DestName: "bids",
		Subjects: p.Subjects,
		Extras:   rootFiles,
	}
	staged, err := stager.Stage(ctx, run, docker.Stem(run.LogPath))
	if err != nil {
		return err
	}

	cmd, err := p.command(staged)
	if err != nil {
		return err
	}
	if _, _, err := run.Exec(ctx, cmd.Tool(), cmd.Args()...); err != nil {
		return err
	}

	run.Log.Info("removing staged inputs", "directory", staged)
	return docker.Cleanup(staged)
}
