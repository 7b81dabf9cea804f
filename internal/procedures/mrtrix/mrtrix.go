// Package mrtrix prepares the input layout the comis-cortical MRtrix3
// pipeline expects from a BIDS session, then runs the pipeline over it.
package mrtrix

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/workflow"
)

// Procedure wraps one comis-cortical run over a single subject session.
type Procedure struct {
	procedure.Options

	Subject string
	Session string

	// ComisExec is the comis-cortical entry point executable.
	ComisExec string
	// ConfigFile optionally points at a JSON file whose datain/index
	// entries name prebuilt acquisition tables. Without it the tables
	// are derived from the DWI sidecars.
	ConfigFile string

	// Tracking parameters recorded with the run; the pipeline reads
	// them from its own configuration.
	MinVol    int
	StepScale float64
	LenScale  []float64
	Angle     int
	NTracts   int
	NThreads  int
}

// New returns a Procedure with the tracking defaults filled in.
func New() *Procedure {
	return &Procedure{
		MinVol:    259209,
		StepScale: 0.5,
		Angle:     45,
		NTracts:   100000,
		NThreads:  1,
	}
}

func (p *Procedure) Name() string    { return "mrtrix_preprocessing" }
func (p *Procedure) Version() string { return "0.0.1" }

// Validate checks the dataset, the pipeline executable and the optional
// prebuilt-tables config.
func (p *Procedure) Validate() error {
	if err := procedure.RequireDir("input directory", p.InputDir); err != nil {
		return err
	}
	if p.OutputDir == "" {
		return fmt.Errorf("%w: output directory", procedure.ErrMissingInput)
	}
	if p.Subject == "" {
		return fmt.Errorf("%w: subject id", procedure.ErrMissingInput)
	}
	if p.Session == "" {
		return fmt.Errorf("%w: session id", procedure.ErrMissingInput)
	}
	if err := procedure.RequireFile("comis-cortical executable", p.ComisExec); err != nil {
		return err
	}
	if p.ConfigFile != "" {
		if err := procedure.RequireFile("config file", p.ConfigFile); err != nil {
			return err
		}
	}
	return nil
}

func (p *Procedure) Entities() bids.Entities {
	return bids.Entities{Subject: p.Subject, Session: p.Session}
}

// sessionDir is the prepared pipeline input directory for this session.
func (p *Procedure) sessionDir() string {
	return filepath.Join(p.OutputDir, "sub-"+p.Subject, "ses-"+p.Session)
}

func (p *Procedure) Config() map[string]any {
	cfg := map[string]any{
		"input_directory":     p.InputDir,
		"output_directory":    p.OutputDir,
		"logging_level":       p.LogLevel,
		"force":               p.Force,
		"subject_id":          p.Subject,
		"session_id":          p.Session,
		"comis_cortical_exec": p.ComisExec,
		"minvol":              p.MinVol,
		"stepscale":           p.StepScale,
		"angle":               p.Angle,
		"ntracts":             p.NTracts,
		"nthreads":            p.NThreads,
	}
	if p.LogDir == "" {
		cfg["logging_directory"] = nil
	} else {
		cfg["logging_directory"] = p.LogDir
	}
	if len(p.LenScale) == 0 {
		cfg["lenscale"] = nil
	} else {
		cfg["lenscale"] = p.LenScale
	}
	if p.ConfigFile == "" {
		cfg["config_file"] = nil
	} else {
		cfg["config_file"] = p.ConfigFile
	}
	return cfg
}

// Outputs declares the prepared input files the workflow lays out for
// the pipeline.
func (p *Procedure) Outputs() map[string]string {
	raw := filepath.Join(p.sessionDir(), "raw_data")
	config := filepath.Join(p.sessionDir(), "config_files")
	return map[string]string{
		"output_directory": p.sessionDir(),
		"mprage":           filepath.Join(raw, "mprage.nii.gz"),
		"bvals":            filepath.Join(raw, "bvals"),
		"bvecs":            filepath.Join(raw, "bvecs"),
		"dif_AP":           filepath.Join(raw, "dif_AP.nii.gz"),
		"dif_PA":           filepath.Join(raw, "dif_PA.nii.gz"),
		"datain":           filepath.Join(config, "datain.txt"),
		"index":            filepath.Join(config, "index.txt"),
	}
}

// Graph wires input preparation and pipeline execution: create the
// session layout, locate the BIDS series, copy them under their
// pipeline names, write the acquisition tables and run comis-cortical.
func (p *Procedure) Graph(run *procedure.Run) *workflow.Graph {
	ent := p.Entities()
	return &workflow.Graph{
		Name: "mrtrix_preprocessing_" + ent.Key(),
		Nodes: []workflow.Node{
			{Name: "prepare_directories", Run: func(ctx context.Context, st *workflow.State) error {
				return prepareDirectories(p.sessionDir(), st)
			}},
			{Name: "locate_series", Run: func(ctx context.Context, st *workflow.State) error {
				return locateSeries(p.InputDir, ent, st)
			}},
			{Name: "copy_raw_data", Run: func(ctx context.Context, st *workflow.State) error {
				return copyRawData(st)
			}},
			{Name: "write_acquisition_tables", Run: func(ctx context.Context, st *workflow.State) error {
				return writeAcquisitionTables(p.ConfigFile, st)
			}},
			{Name: "run_comis_cortical", Run: func(ctx context.Context, st *workflow.State) error {
				input := p.sessionDir()
				_, _, err := run.ExecStrict(ctx, p.ComisExec, input, ent.Key(), input)
				return err
			}},
		},
		Edges: []workflow.Edge{
			{From: "prepare_directories", To: "copy_raw_data", Field: "raw_data"},
			{From: "prepare_directories", To: "write_acquisition_tables", Field: "config_files"},
			{From: "locate_series", To: "copy_raw_data", Field: "t1w"},
			{From: "locate_series", To: "copy_raw_data", Field: "dwi_ap"},
			{From: "locate_series", To: "copy_raw_data", Field: "dwi_pa"},
			{From: "locate_series", To: "write_acquisition_tables", Field: "ap_json"},
			{From: "locate_series", To: "write_acquisition_tables", Field: "pa_json"},
			{From: "copy_raw_data", To: "run_comis_cortical", Field: "dif_ap"},
			{From: "write_acquisition_tables", To: "run_comis_cortical", Field: "datain"},
			{From: "write_acquisition_tables", To: "run_comis_cortical", Field: "index"},
		},
	}
}

// Cmdline renders the pipeline invocation without preparing anything.
func (p *Procedure) Cmdline() (string, error) {
	input := p.sessionDir()
	return p.ComisExec + " " + input + " " + p.Entities().Key() + " " + input, nil
}

// Execute runs the preparation workflow and the pipeline. comis-cortical
// reports failures on stderr, so any stderr output fails the run.
func (p *Procedure) Execute(ctx context.Context, run *procedure.Run) error {
	return p.Graph(run).Run(ctx, workflow.NewState())
}
