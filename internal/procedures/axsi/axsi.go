// Package axsi fits the AxSI microstructure model to preprocessed diffusion
// data by wrapping the axsi-main CLI.
package axsi

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yalab-neuro/neuroproc/internal/argspec"
	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

// paramMaps are the volumes axsi-main writes under <output>/<run-name>/
var paramMaps = []string{
	"CMDfh", "CMDfr", "dt", "eigval", "eigvec", "fa",
	"md", "pasi", "paxsi", "pcsf", "pfr", "ph",
}

var nonlinearMethods = []string{"R-minpack", "scipy", "lsq-axsi"}
var linearMethods = []string{"R-quadprog", "gurobi", "scipy", "cvxpy"}

// Procedure wraps one axsi-main run over a single DWI series.
type Procedure struct {
	procedure.Options

	// RunName names the output subdirectory. When empty it is inferred
	// from the sub-*/ses-* segments of the data path.
	RunName  string
	DataFile string
	MaskFile string
	BvalFile string
	BvecFile string

	// Acquisition parameters, in the units axsi-main expects: gradient
	// duration and interval in milliseconds, amplitude in G/cm.
	SmallDelta float64
	BigDelta   float64
	GMax       float64
	GammaVal   int

	NumProcessesPred int
	NumThreadsPred   int
	NumProcessesAxsi int
	NumThreadsAxsi   int

	NonlinearLSQMethod string
	LinearLSQMethod    string
	DebugMode          bool
}

// New returns a Procedure with the acquisition and solver defaults filled in.
func New() *Procedure {
	return &Procedure{
		SmallDelta:         15.0,
		BigDelta:           45.0,
		GMax:               7.9,
		GammaVal:           4257,
		NumProcessesPred:   1,
		NumThreadsPred:     1,
		NumProcessesAxsi:   1,
		NumThreadsAxsi:     1,
		NonlinearLSQMethod: "R-minpack",
		LinearLSQMethod:    "R-quadprog",
	}
}

func (p *Procedure) Name() string    { return "axsi" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the input files exist, the solver methods are known and
// the run name is resolvable.
func (p *Procedure) Validate() error {
	if err := procedure.RequireFile("data file", p.DataFile); err != nil {
		return err
	}
	if err := procedure.RequireFile("mask file", p.MaskFile); err != nil {
		return err
	}
	if err := procedure.RequireFile("bval file", p.BvalFile); err != nil {
		return err
	}
	if err := procedure.RequireFile("bvec file", p.BvecFile); err != nil {
		return err
	}
	if p.OutputDir == "" {
		return fmt.Errorf("%w: output directory", procedure.ErrMissingInput)
	}
	if !contains(nonlinearMethods, p.NonlinearLSQMethod) {
		return fmt.Errorf("nonlinear-lsq-method %q is not one of %v", p.NonlinearLSQMethod, nonlinearMethods)
	}
	if !contains(linearMethods, p.LinearLSQMethod) {
		return fmt.Errorf("linear-lsq-method %q is not one of %v", p.LinearLSQMethod, linearMethods)
	}
	_, err := p.resolveRunName()
	return err
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// resolveRunName returns the explicit run name, or <subject>_<session>
// derived from the data path. Inference never guesses: a data path without
// both entities is an error.
func (p *Procedure) resolveRunName() (string, error) {
	if p.RunName != "" {
		return p.RunName, nil
	}
	ent, err := bids.ParseEntities(p.DataFile)
	if err != nil {
		return "", fmt.Errorf("inferring run name: %w", err)
	}
	if ent.Session == "" {
		return "", fmt.Errorf("inferring run name: no ses-* segment in path %q", p.DataFile)
	}
	return ent.RunName(), nil
}

func (p *Procedure) Entities() bids.Entities {
	ent, _ := bids.ParseEntities(p.DataFile)
	return ent
}

func (p *Procedure) Config() map[string]any {
	runName, _ := p.resolveRunName()
	cfg := map[string]any{
		"input_directory":      filepath.Dir(p.DataFile),
		"output_directory":     p.OutputDir,
		"logging_level":        p.LogLevel,
		"force":                p.Force,
		"run_name":             runName,
		"data":                 p.DataFile,
		"mask":                 p.MaskFile,
		"bval":                 p.BvalFile,
		"bvec":                 p.BvecFile,
		"small_delta":          p.SmallDelta,
		"big_delta":            p.BigDelta,
		"gmax":                 p.GMax,
		"gamma_val":            p.GammaVal,
		"num_processes_pred":   p.NumProcessesPred,
		"num_threads_pred":     p.NumThreadsPred,
		"num_processes_axsi":   p.NumProcessesAxsi,
		"num_threads_axsi":     p.NumThreadsAxsi,
		"nonlinear_lsq_method": p.NonlinearLSQMethod,
		"linear_lsq_method":    p.LinearLSQMethod,
		"debug_mode":           p.DebugMode,
	}
	if p.LogDir == "" {
		cfg["logging_directory"] = nil
	} else {
		cfg["logging_directory"] = p.LogDir
	}
	return cfg
}

// Outputs declares the parameter maps the run produces, keyed by map name.
// Nil when the run name cannot be resolved yet.
func (p *Procedure) Outputs() map[string]string {
	runName, err := p.resolveRunName()
	if err != nil {
		return nil
	}
	runDir := filepath.Join(p.OutputDir, runName)
	outputs := map[string]string{"output_directory": runDir}
	for _, m := range paramMaps {
		outputs[m] = filepath.Join(runDir, m+".nii.gz")
	}
	return outputs
}

func (p *Procedure) command() (*argspec.Command, error) {
	runName, err := p.resolveRunName()
	if err != nil {
		return nil, err
	}
	cmd := argspec.New("axsi-main",
		argspec.Field{Name: "subj_folder", Template: "--subj-folder %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "run_name", Template: "--run-name %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "data", Template: "--data %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "mask", Template: "--mask %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "bval", Template: "--bval %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "bvec", Template: "--bvec %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "small_delta", Template: "--small-delta %s", Kind: argspec.KindFixedFloat},
		argspec.Field{Name: "big_delta", Template: "--big-delta %s", Kind: argspec.KindFixedFloat},
		argspec.Field{Name: "gmax", Template: "--gmax %s", Kind: argspec.KindFixedFloat},
		argspec.Field{Name: "gamma_val", Template: "--gamma-val %s", Kind: argspec.KindInt},
		argspec.Field{Name: "num_processes_pred", Template: "--num-processes-pred %s", Kind: argspec.KindInt},
		argspec.Field{Name: "num_threads_pred", Template: "--num-threads-pred %s", Kind: argspec.KindInt},
		argspec.Field{Name: "num_processes_axsi", Template: "--num-processes-axsi %s", Kind: argspec.KindInt},
		argspec.Field{Name: "num_threads_axsi", Template: "--num-threads-axsi %s", Kind: argspec.KindInt},
		argspec.Field{Name: "nonlinear_lsq_method", Template: "--nonlinear-lsq-method %s", Kind: argspec.KindString},
		argspec.Field{Name: "linear_lsq_method", Template: "--linear-lsq-method %s", Kind: argspec.KindString},
		argspec.Field{Name: "debug_mode", Template: "--debug-mode", Kind: argspec.KindBool},
	)
	if err := cmd.SetString("subj_folder", p.OutputDir); err != nil {
		return nil, err
	}
	if err := cmd.SetString("run_name", runName); err != nil {
		return nil, err
	}
	if err := cmd.SetString("data", p.DataFile); err != nil {
		return nil, err
	}
	if err := cmd.SetString("mask", p.MaskFile); err != nil {
		return nil, err
	}
	if err := cmd.SetString("bval", p.BvalFile); err != nil {
		return nil, err
	}
	if err := cmd.SetString("bvec", p.BvecFile); err != nil {
		return nil, err
	}
	if err := cmd.SetFloat("small_delta", p.SmallDelta); err != nil {
		return nil, err
	}
	if err := cmd.SetFloat("big_delta", p.BigDelta); err != nil {
		return nil, err
	}
	if err := cmd.SetFloat("gmax", p.GMax); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("gamma_val", p.GammaVal); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("num_processes_pred", p.NumProcessesPred); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("num_threads_pred", p.NumThreadsPred); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("num_processes_axsi", p.NumProcessesAxsi); err != nil {
		return nil, err
	}
	if err := cmd.SetInt("num_threads_axsi", p.NumThreadsAxsi); err != nil {
		return nil, err
	}
	if err := cmd.SetString("nonlinear_lsq_method", p.NonlinearLSQMethod); err != nil {
		return nil, err
	}
	if err := cmd.SetString("linear_lsq_method", p.LinearLSQMethod); err != nil {
		return nil, err
	}
	if err := cmd.SetBool("debug_mode", p.DebugMode); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Cmdline renders the axsi-main invocation without running it.
func (p *Procedure) Cmdline() (string, error) {
	cmd, err := p.command()
	if err != nil {
		return "", err
	}
	return cmd.Cmdline()
}

// Execute runs axsi-main. The solver reports problems on stderr even when
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
	if _, _, err := run.ExecStrict(ctx, cmd.Tool(), args...); err != nil {
		return err
	}

	missing := procedure.MissingOutputs(p.Outputs())
	if len(missing) > 0 {
		run.Log.Warn("run finished without producing all parameter maps", "missing", missing)
	}
	return nil
}
