// Package neuroflow runs downstream dMRI and structural analysis over a
// preprocessed session by wrapping the neuroflow CLI.
package neuroflow

import (
	"context"
	"fmt"

	"github.com/yalab-neuro/neuroproc/internal/argspec"
	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

// Steps are the analysis stages neuroflow can run or skip.
var Steps = []string{
	"smriprep",
	"atlases",
	"dipy_tensors",
	"mrtrix3_tensors",
	"covariates",
	"connectome_recon",
}

// Procedure wraps one `neuroflow process` run over a preprocessed session.
type Procedure struct {
	procedure.Options

	// CredentialsFile is the Google service-account JSON neuroflow uses
	// to fetch the covariates sheet.
	CredentialsFile string
	PatternsFile    string
	Atlases         []string
	CropToGM        bool
	UseSMRIPrep     bool
	FSLicenseFile   string
	MaxBval         int
	IgnoreSteps     []string
	Steps           []string
	NThreads        int
}

// New returns a Procedure with the analysis defaults filled in.
func New() *Procedure {
	return &Procedure{
		CropToGM:    true,
		UseSMRIPrep: true,
		MaxBval:     1000,
		NThreads:    1,
	}
}

func (p *Procedure) Name() string    { return "neuroflow" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the session directory, the credentials and that any
// step selections name known stages.
func (p *Procedure) Validate() error {
	if err := procedure.RequireDir("input directory", p.InputDir); err != nil {
		return err
	}
	if p.OutputDir == "" {
		return fmt.Errorf("%w: output directory", procedure.ErrMissingInput)
	}
	if err := procedure.RequireFile("credentials file", p.CredentialsFile); err != nil {
		return err
	}
	if p.PatternsFile != "" {
		if err := procedure.RequireFile("patterns file", p.PatternsFile); err != nil {
			return err
		}
	}
	if p.FSLicenseFile != "" {
		if err := procedure.RequireFile("fs license file", p.FSLicenseFile); err != nil {
			return err
		}
	}
	for _, step := range append(append([]string{}, p.Steps...), p.IgnoreSteps...) {
		if !knownStep(step) {
			return fmt.Errorf("step %q is not one of %v", step, Steps)
		}
	}
	return nil
}

func knownStep(name string) bool {
	for _, s := range Steps {
		if s == name {
			return true
		}
	}
	return false
}

// Entities derives the subject and session from the sub-*/ses-* segments
// of the input path, when present.
func (p *Procedure) Entities() bids.Entities {
	ent, _ := bids.ParseEntities(p.InputDir)
	return ent
}

func (p *Procedure) Config() map[string]any {
	return map[string]any{
		"input_directory":    p.InputDir,
		"output_directory":   p.OutputDir,
		"logging_level":      p.LogLevel,
		"force":              p.Force,
		"google_credentials": p.CredentialsFile,
		"patterns_file":      p.PatternsFile,
		"atlases":            p.Atlases,
		"crop_to_gm":         p.CropToGM,
		"use_smriprep":       p.UseSMRIPrep,
		"fs_license_file":    p.FSLicenseFile,
		"max_bval":           p.MaxBval,
		"ignore_steps":       p.IgnoreSteps,
		"steps":              p.Steps,
		"nthreads":           p.NThreads,
	}
}

func (p *Procedure) Outputs() map[string]string {
	return map[string]string{"output_directory": p.OutputDir}
}

func (p *Procedure) command() (*argspec.Command, error) {
	cmd := argspec.New("neuroflow",
		argspec.Field{Name: "subcommand", Template: "%s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "input_directory", Template: "%s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "output_directory", Template: "%s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "google_credentials", Template: "%s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "atlases", Template: "--atlases %s", Kind: argspec.KindList},
		argspec.Field{Name: "crop_to_gm", Template: "--crop_to_gm", Kind: argspec.KindBool},
		argspec.Field{Name: "force", Template: "--force", Kind: argspec.KindBool},
		argspec.Field{Name: "fs_license_file", Template: "--fs_license_file %s", Kind: argspec.KindString},
		argspec.Field{Name: "ignore_steps", Template: "--ignore_steps %s", Kind: argspec.KindList},
		argspec.Field{Name: "max_bval", Template: "--max_bval %s", Kind: argspec.KindInt},
		argspec.Field{Name: "nthreads", Template: "--nthreads %s", Kind: argspec.KindInt},
		// the tool spells its flag this way
		argspec.Field{Name: "patterns_file", Template: "--paterns_file %s", Kind: argspec.KindString},
		argspec.Field{Name: "steps", Template: "--steps %s", Kind: argspec.KindList},
		argspec.Field{Name: "use_smriprep", Template: "--use_smriprep", Kind: argspec.KindBool},
	)
	if err := cmd.SetString("subcommand", "process"); err != nil {
		return nil, err
	}
	if err := cmd.SetString("input_directory", p.InputDir); err != nil {
		return nil, err
	}
	if err := cmd.SetString("output_directory", p.OutputDir); err != nil {
		return nil, err
	}
	if err := cmd.SetString("google_credentials", p.CredentialsFile); err != nil {
		return nil, err
	}
	if len(p.Atlases) > 0 {
		if err := cmd.SetList("atlases", p.Atlases); err != nil {
			return nil, err
		}
	}
	if err := cmd.SetBool("crop_to_gm", p.CropToGM); err != nil {
		return nil, err
	}
	if err := cmd.SetBool("force", p.Force); err != nil {
		return nil, err
	}
	if p.FSLicenseFile != "" {
		if err := cmd.SetString("fs_license_file", p.FSLicenseFile); err != nil {
			return nil, err
		}
	}
	if len(p.IgnoreSteps) > 0 {
		if err := cmd.SetList("ignore_steps", p.IgnoreSteps); err != nil {
			return nil, err
		}
	}
	if err := cmd.SetInt("max_bval", p.MaxBval); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("nthreads", p.NThreads); err != nil {
		return nil, err
	}
	if p.PatternsFile != "" {
		if err := cmd.SetString("patterns_file", p.PatternsFile); err != nil {
			return nil, err
		}
	}
	if len(p.Steps) > 0 {
		if err := cmd.SetList("steps", p.Steps); err != nil {
			return nil, err
		}
	}
	if err := cmd.SetBool("use_smriprep", p.UseSMRIPrep); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Cmdline renders the neuroflow invocation without running it.
func (p *Procedure) Cmdline() (string, error) {
	cmd, err := p.command()
	if err != nil {
		return "", err
	}
	return cmd.Cmdline()
}

// Execute runs neuroflow. The tool reports problems on stderr even when
// it exits zero, so any stderr output fails the run.
func (p *Procedure) Execute(ctx context.Context, run *procedure.Run) error {
	cmd, err := p.command()
	if err != nil {
		return err
	}
	args, err := cmd.Args()
	if err != nil {
		return err
	}
	_, _, err = run.ExecStrict(ctx, cmd.Tool(), args...)
	return err
}
