// Package qsiparc parcellates QSIRecon derivatives into atlas tables by
// wrapping the qsiparc CLI over a staged copy of the dataset.
package qsiparc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/yalab-neuro/neuroproc/internal/argspec"
	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/docker"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

var resamplingTargets = []string{"data", "atlas", "labels"}

// Procedure wraps one qsiparc run over a QSIRecon dataset.
type Procedure struct {
	procedure.Options

	WorkDir string
	// TempBIDSDir overrides WorkDir as the staging root when set.
	TempBIDSDir string
	Subjects    []string // participant labels, no sub- prefix

	ResamplingTarget string // data, atlas or labels
	Mask             string // mask used for parcellation, gm by default
	SkipValidation   bool

	NProcs     int
	OMPThreads int

	StageInputs bool   // mirror the participants into the staging root before the run
	RsyncBinary string // staging copy tool; "rsync" when empty
}

// New returns a Procedure with the parcellation defaults filled in.
func New() *Procedure {
	return &Procedure{
		ResamplingTarget: "data",
		Mask:             "gm",
		SkipValidation:   true,
		NProcs:           runtime.NumCPU(),
		OMPThreads:       1,
		StageInputs:      true,
	}
}

func (p *Procedure) Name() string    { return "qsiparc" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the dataset, the scratch space and the resampling target.
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
	for _, t := range resamplingTargets {
		if t == p.ResamplingTarget {
			return nil
		}
	}
	return fmt.Errorf("resampling-target %q is not one of %v", p.ResamplingTarget, resamplingTargets)
}

func (p *Procedure) Entities() bids.Entities {
	if len(p.Subjects) == 0 {
		return bids.Entities{}
	}
	return bids.Entities{Subject: p.Subjects[0]}
}

func (p *Procedure) Config() map[string]any {
	return map[string]any{
		"input_directory":      p.InputDir,
		"output_directory":     p.OutputDir,
		"work_directory":       p.WorkDir,
		"logging_level":        p.LogLevel,
		"force":                p.Force,
		"participant_label":    p.Subjects,
		"resampling_target":    p.ResamplingTarget,
		"mask":                 p.Mask,
		"skip_bids_validation": p.SkipValidation,
		"nprocs":               p.NProcs,
		"omp_nthreads":         p.OMPThreads,
	}
}

// outputRoot is <output>/qsiparc unless the output directory already
// ends in qsiparc.
func (p *Procedure) outputRoot() string {
	if filepath.Base(p.OutputDir) == "qsiparc" {
		return p.OutputDir
	}
	return filepath.Join(p.OutputDir, "qsiparc")
}

// Outputs declares the parcellation root. Per-atlas contents below it
// depend on the atlases present in the dataset.
func (p *Procedure) Outputs() map[string]string {
	return map[string]string{"output_directory": p.outputRoot()}
}

func (p *Procedure) command(input string) (*argspec.Command, error) {
	cmd := argspec.New("qsiparc",
		argspec.Field{Name: "input_root", Template: "--input-root %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "output_dir", Template: "--output-dir %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "participant_label", Template: "--participant-label %s", Kind: argspec.KindList, Required: true},
		argspec.Field{Name: "resampling_target", Template: "--resampling-target %s", Kind: argspec.KindString},
		argspec.Field{Name: "mask", Template: "--mask %s", Kind: argspec.KindString},
		argspec.Field{Name: "nprocs", Template: "--nprocs %s", Kind: argspec.KindInt},
		argspec.Field{Name: "omp_nthreads", Template: "--omp-nthreads %s", Kind: argspec.KindInt},
		argspec.Field{Name: "skip_bids_validation", Template: "--skip-bids-validation", Kind: argspec.KindBool},
		argspec.Field{Name: "force", Template: "--force", Kind: argspec.KindBool},
	)
	if err := cmd.SetString("input_root", input); err != nil {
		return nil, err
	}
	if err := cmd.SetString("output_dir", p.OutputDir); err != nil {
		return nil, err
	}
	if err := cmd.SetList("participant_label", p.Subjects); err != nil {
		return nil, err
	}
	if err := cmd.SetString("resampling_target", p.ResamplingTarget); err != nil {
		return nil, err
	}
	if err := cmd.SetString("mask", p.Mask); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("nprocs", p.NProcs); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("omp_nthreads", p.OMPThreads); err != nil {
		return nil, err
	}
	if err := cmd.SetBool("skip_bids_validation", p.SkipValidation); err != nil {
		return nil, err
	}
	if err := cmd.SetBool("force", p.Force); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Cmdline renders the qsiparc invocation against the unstaged dataset.
func (p *Procedure) Cmdline() (string, error) {
	cmd, err := p.command(p.InputDir)
	if err != nil {
		return "", err
	}
	return cmd.Cmdline()
}

// stage mirrors the participants, their qsirecon-* derivatives and the
// dataset-level files into the staging root. Streamline files are
// excluded: parcellation never reads them and they dominate the tree.
func (p *Procedure) stage(ctx context.Context, ex docker.Execer, runName string) (string, error) {
	root := p.TempBIDSDir
	if root == "" {
		root = p.WorkDir
	}
	dest := filepath.Join(root, "qsiparc_"+runName)
	if err := os.MkdirAll(filepath.Join(dest, "derivatives"), 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	rsync := p.RsyncBinary
	if rsync == "" {
		rsync = "rsync"
	}

	for _, subject := range p.Subjects {
		src := filepath.Join(p.InputDir, "sub-"+subject)
		if _, _, err := ex.Exec(ctx, rsync, "-azPL", src, dest); err != nil {
			return "", fmt.Errorf("staging sub-%s: %w", subject, err)
		}
		matches, err := filepath.Glob(filepath.Join(p.InputDir, "derivatives", "qsirecon-*", "sub-"+subject))
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			recon := filepath.Dir(m)
			target := filepath.Join(dest, "derivatives", filepath.Base(recon))
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("creating staging directory: %w", err)
			}
			if _, _, err := ex.Exec(ctx, rsync, "-azPL", "--exclude=*.tck*", "--exclude=*.trk*", m, target); err != nil {
				return "", fmt.Errorf("staging %s: %w", m, err)
			}
			desc := filepath.Join(recon, "dataset_description.json")
			if _, _, err := ex.Exec(ctx, rsync, "-azPL", desc, filepath.Join(dest, "derivatives")); err != nil {
				return "", fmt.Errorf("staging %s: %w", desc, err)
			}
		}
	}
	for _, name := range []string{"dataset_description.json", "atlases"} {
		if _, _, err := ex.Exec(ctx, rsync, "-azPL", filepath.Join(p.InputDir, name), dest); err != nil {
			return "", fmt.Errorf("staging %s: %w", name, err)
		}
	}
	return dest, nil
}

// Execute stages the participants, runs qsiparc over the staged copy and
// removes it on success. With staging disabled the tool reads the
// dataset directly. Failure follows the exit code.
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
		args, err := cmd.Args()
		if err != nil {
			return err
		}
		_, _, err = run.Exec(ctx, cmd.Tool(), args...)
		return err
	}

	staged, err := p.stage(ctx, run, docker.Stem(run.LogPath))
	if err != nil {
		return err
	}

	cmd, err := p.command(staged)
	if err != nil {
		return err
	}
	args, err := cmd.Args()
	if err != nil {
		return err
	}
	if _, _, err := run.Exec(ctx, cmd.Tool(), args...); err != nil {
		return err
	}

	run.Log.Info("removing staged inputs", "directory", staged)
	return docker.Cleanup(staged)
}
