// Package qsirecon reconstructs diffusion models from QSIPrep derivatives
// by running the containerized QSIRecon BIDS app.
package qsirecon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/docker"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

const image = "pennlinc/qsirecon"

// Procedure wraps one QSIRecon container run over a single participant.
type Procedure struct {
	procedure.Options

	WorkDir string
	Subject string // participant label, no sub- prefix

	ImageVersion  string // container tag; latest when empty
	InputType     string // preprocessing pipeline the input came from; qsiprep when empty
	ReconSpecFile string // reconstruction workflow YAML, mounted into the container
	FSLicenseFile string
	DockerBinary  string

	StageInputs bool   // mirror the participant into WorkDir before the run
	RsyncBinary string // staging copy tool; "rsync" when empty
}

// New returns a Procedure with the container defaults filled in.
func New() *Procedure {
	return &Procedure{
		ImageVersion: "latest",
		InputType:    "qsiprep",
		StageInputs:  true,
	}
}

func (p *Procedure) Name() string    { return "qsirecon" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the derivatives dataset, the scratch space and the
// FreeSurfer license before anything is staged.
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
	if p.Subject == "" {
		return fmt.Errorf("%w: participant label", procedure.ErrMissingInput)
	}
	if p.ReconSpecFile != "" {
		if err := procedure.RequireFile("recon spec file", p.ReconSpecFile); err != nil {
			return err
		}
	}
	_, err := docker.FindLicense(p.FSLicenseFile)
	return err
}

func (p *Procedure) Entities() bids.Entities {
	return bids.Entities{Subject: p.Subject}
}

func (p *Procedure) version() string {
	if p.ImageVersion == "" {
		return "latest"
	}
	return p.ImageVersion
}

func (p *Procedure) inputType() string {
	if p.InputType == "" {
		return "qsiprep"
	}
	return p.InputType
}

func (p *Procedure) Config() map[string]any {
	cfg := map[string]any{
		"input_directory":   p.InputDir,
		"output_directory":  p.OutputDir,
		"logging_level":     p.LogLevel,
		"force":             p.Force,
		"work_directory":    p.WorkDir,
		"analysis_level":    "participant",
		"qsirecon_version":  p.version(),
		"participant_label": p.Subject,
		"input_type":        p.inputType(),
	}
	if p.LogDir == "" {
		cfg["logging_directory"] = nil
	} else {
		cfg["logging_directory"] = p.LogDir
	}
	if p.ReconSpecFile == "" {
		cfg["recon_spec"] = nil
	} else {
		cfg["recon_spec"] = p.ReconSpecFile
	}
	if license, err := docker.FindLicense(p.FSLicenseFile); err == nil {
		cfg["fs_license_file"] = license
	} else {
		cfg["fs_license_file"] = nil
	}
	return cfg
}

// Outputs declares the participant HTML report the reconstruction writes.
func (p *Procedure) Outputs() map[string]string {
	out := p.OutputDir
	if filepath.Base(out) != "qsiprep" {
		out = filepath.Join(out, "qsiprep")
	}
	return map[string]string{
		"report_sub-" + p.Subject: filepath.Join(out, "sub-"+p.Subject+".html"),
	}
}

// command assembles the docker invocation with dataDir mounted at /data.
func (p *Procedure) command(dataDir string) (*docker.Command, error) {
	license, err := docker.FindLicense(p.FSLicenseFile)
	if err != nil {
		return nil, err
	}

	cmd := docker.New(p.DockerBinary, image+":"+p.version())
	cmd.Mount(license, docker.LicensePath, false)
	cmd.Mount(dataDir, docker.DataPath, true)
	cmd.Mount(p.OutputDir, docker.OutPath, false)
	if p.ReconSpecFile != "" {
		cmd.Mount(p.ReconSpecFile, docker.ReconSpecPath, false)
	}
	cmd.Mount(p.WorkDir, docker.WorkPath, false)

	cmd.Flag("--input-type", p.inputType())
	cmd.Flag("--participant-label", p.Subject)

	cmd.RemapFlag("--fs-license-file", docker.LicensePath)
	cmd.RemapFlag("--work-dir", docker.WorkPath)
	if p.ReconSpecFile != "" {
		cmd.RemapFlag("--recon-spec", docker.ReconSpecPath)
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

// Execute stages the participant's QSIPrep derivatives, runs the container
// over the staged copy and removes it on success. With staging disabled
// the container mounts the derivatives directly. Failure follows the
// exit code; the app logs progress to stderr.
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
		DestName: "qsiprep",
		Subjects: []string{p.Subject},
		Extras:   []string{"dataset_description.json"},
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
