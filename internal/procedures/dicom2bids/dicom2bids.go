// Package dicom2bids converts raw DICOM sessions into a BIDS dataset by
// wrapping heudiconv, then derives the PA fieldmap EPI the downstream
// diffusion pipeline expects.
package dicom2bids

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yalab-neuro/neuroproc/internal/argspec"
	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/workflow"
)

// Procedure wraps one heudiconv conversion run.
type Procedure struct {
	procedure.Options

	Subject       string
	Session       string
	HeuristicFile string
	Converter     string // dcm2niix unless overridden
	InferSession  bool   // derive the session from the input directory name

	// Fieldmap workflow knobs.
	Fieldmap       bool
	B0Threshold    float64
	AllowFirstAsB0 bool
}

// New returns a Procedure with the converter defaults filled in.
func New() *Procedure {
	return &Procedure{
		Converter:    "dcm2niix",
		InferSession: true,
		Fieldmap:     true,
		B0Threshold:  50.0,
	}
}

func (p *Procedure) Name() string    { return "dicom2bids" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the required inputs exist before anything runs.
func (p *Procedure) Validate() error {
	if err := procedure.RequireDir("input directory", p.InputDir); err != nil {
		return err
	}
	if err := procedure.RequireFile("heuristic file", p.HeuristicFile); err != nil {
		return err
	}
	if p.Subject == "" {
		return fmt.Errorf("%w: subject id", procedure.ErrMissingInput)
	}
	if p.OutputDir == "" {
		return fmt.Errorf("%w: output directory", procedure.ErrMissingInput)
	}
	return nil
}

// SessionID returns the explicit session, or the one inferred from the
// input directory name. MRI facility exports are named like
// YA_lab_Yaniv_General_20240609_1801; the session is the last two
// underscore-separated segments joined, e.g. 202406091801.
func (p *Procedure) SessionID() string {
	if p.Session != "" || !p.InferSession {
		return p.Session
	}
	parts := strings.Split(filepath.Base(p.InputDir), "_")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, "")
}

func (p *Procedure) Entities() bids.Entities {
	return bids.Entities{Subject: p.Subject, Session: p.SessionID()}
}

func (p *Procedure) Config() map[string]any {
	cfg := map[string]any{
		"input_directory":  p.InputDir,
		"output_directory": p.OutputDir,
		"logging_level":    p.LogLevel,
		"force":            p.Force,
		"subject_id":       p.Subject,
		"session_id":       p.SessionID(),
		"heuristic_file":   p.HeuristicFile,
		"converter":        p.converter(),
		"overwrite":        true,
		"bids":             true,
		"infer_session_id": p.InferSession,
	}
	if p.LogDir == "" {
		cfg["logging_directory"] = nil
	} else {
		cfg["logging_directory"] = p.LogDir
	}
	return cfg
}

func (p *Procedure) converter() string {
	if p.Converter == "" {
		return "dcm2niix"
	}
	return p.Converter
}

func (p *Procedure) command() (*argspec.Command, error) {
	cmd := argspec.New("heudiconv",
		argspec.Field{Name: "bids", Template: "--bids", Kind: argspec.KindBool},
		argspec.Field{Name: "converter", Template: "-c %s", Kind: argspec.KindString},
		argspec.Field{Name: "heuristic", Template: "-f %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "files", Template: "--files %s/*/*.dcm", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "output", Template: "-o %s", Kind: argspec.KindString, Required: true},
		argspec.Field{Name: "overwrite", Template: "--overwrite", Kind: argspec.KindBool},
		argspec.Field{Name: "session", Template: "-ss %s", Kind: argspec.KindString},
		argspec.Field{Name: "subject", Template: "-s %s", Kind: argspec.KindString, Required: true},
	)
	if err := cmd.SetBool("bids", true); err != nil {
		return nil, err
	}
	if err := cmd.SetString("converter", p.converter()); err != nil {
		return nil, err
	}
	if err := cmd.SetString("heuristic", p.HeuristicFile); err != nil {
		return nil, err
	}
	if err := cmd.SetString("files", p.InputDir); err != nil {
		return nil, err
	}
	if err := cmd.SetString("output", p.OutputDir); err != nil {
		return nil, err
	}
	if err := cmd.SetBool("overwrite", true); err != nil {
		return nil, err
	}
	if session := p.SessionID(); session != "" {
		if err := cmd.SetString("session", session); err != nil {
			return nil, err
		}
	}
	if err := cmd.SetString("subject", p.Subject); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Cmdline renders the heudiconv invocation, DICOM glob unexpanded.
func (p *Procedure) Cmdline() (string, error) {
	cmd, err := p.command()
	if err != nil {
		return "", err
	}
	return cmd.Cmdline()
}

// execArgs expands the DICOM glob into concrete file arguments; the
// shell is not there to do it for us.
func (p *Procedure) execArgs(cmd *argspec.Command) ([]string, error) {
	args, err := cmd.Args()
	if err != nil {
		return nil, err
	}
	pattern := p.InputDir + "/*/*.dcm"
	for i, arg := range args {
		if arg != pattern {
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("globbing %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no DICOM files under %s", p.InputDir)
		}
		expanded := make([]string, 0, len(args)-1+len(matches))
		expanded = append(expanded, args[:i]...)
		expanded = append(expanded, matches...)
		expanded = append(expanded, args[i+1:]...)
		return expanded, nil
	}
	return args, nil
}

// Execute runs heudiconv and then the fieldmap workflow. heudiconv is
// held to a clean stderr; anything it writes there fails the run.
func (p *Procedure) Execute(ctx context.Context, run *procedure.Run) error {
	cmd, err := p.command()
	if err != nil {
		return err
	}
	line, err := cmd.Cmdline()
	if err != nil {
		return err
	}
	run.Log.Info("converting DICOM session", "command", line)

	args, err := p.execArgs(cmd)
	if err != nil {
		return err
	}
	if _, _, err := run.ExecStrict(ctx, cmd.Tool(), args...); err != nil {
		return err
	}

	if !p.Fieldmap {
		return nil
	}
	graph := FieldmapGraph(p.OutputDir, p.Entities(), p.B0Threshold, p.AllowFirstAsB0, run.Log)
	return graph.Run(ctx, workflow.NewState())
}
