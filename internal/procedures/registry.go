// Package procedures maps procedure names to configured specs so
// pipeline files and the daemon can construct steps by name.
package procedures

import (
	"fmt"
	"strings"

	"github.com/yalab-neuro/neuroproc/internal/config"
	"github.com/yalab-neuro/neuroproc/internal/pipeline"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/procedures/axsi"
	"github.com/yalab-neuro/neuroproc/internal/procedures/dicom2bids"
	"github.com/yalab-neuro/neuroproc/internal/procedures/mrtrix"
	"github.com/yalab-neuro/neuroproc/internal/procedures/neuroflow"
	"github.com/yalab-neuro/neuroproc/internal/procedures/qsiparc"
	"github.com/yalab-neuro/neuroproc/internal/procedures/qsiprep"
	"github.com/yalab-neuro/neuroproc/internal/procedures/qsirecon"
	"github.com/yalab-neuro/neuroproc/internal/procedures/smriprep"
)

// Names returns the registered procedure names, in pipeline order of a
// typical study.
func Names() []string {
	return []string{
		"dicom2bids",
		"smriprep",
		"qsiprep",
		"qsirecon",
		"qsiparc",
		"axsi",
		"mrtrix_preprocessing",
		"neuroflow",
	}
}

// Builder returns a pipeline.BuildFunc that constructs procedures from
// resolved steps, filling unset parameters from cfg.
func Builder(cfg *config.Config) pipeline.BuildFunc {
	return func(step pipeline.Step) (procedure.Spec, error) {
		switch step.Procedure {
		case "dicom2bids":
			return buildDicom2BIDS(cfg, step), nil
		case "smriprep":
			return buildSMRIPrep(cfg, step), nil
		case "qsiprep":
			return buildQSIPrep(cfg, step), nil
		case "qsirecon":
			return buildQSIRecon(cfg, step), nil
		case "qsiparc":
			return buildQsiparc(cfg, step), nil
		case "axsi":
			return buildAxSI(cfg, step), nil
		case "mrtrix_preprocessing":
			return buildMrtrix(cfg, step), nil
		case "neuroflow":
			return buildNeuroflow(cfg, step), nil
		default:
			return nil, fmt.Errorf("unknown procedure %q", step.Procedure)
		}
	}
}

// common fills the lifecycle options every step shares.
func common(cfg *config.Config, step pipeline.Step, opts *procedure.Options) {
	opts.InputDir = step.String("input", "")
	opts.OutputDir = step.String("output", "")
	opts.LogDir = step.String("log_dir", cfg.General.LogDir)
	opts.LogLevel = step.String("log_level", cfg.General.LogLevel)
	opts.Force = step.Bool("force", false)
}

func buildDicom2BIDS(cfg *config.Config, step pipeline.Step) *dicom2bids.Procedure {
	p := dicom2bids.New()
	common(cfg, step, &p.Options)
	p.Subject = step.String("subject", "")
	p.Session = step.String("session", "")
	p.HeuristicFile = step.String("heuristic", cfg.Conversion.HeuristicFile)
	p.Converter = step.String("converter", p.Converter)
	p.InferSession = step.Bool("infer_session", p.InferSession)
	p.Fieldmap = step.Bool("fieldmap", p.Fieldmap)
	p.B0Threshold = step.Float("b0_threshold", p.B0Threshold)
	p.AllowFirstAsB0 = step.Bool("allow_first_as_b0", p.AllowFirstAsB0)
	if p.OutputDir == "" {
		p.OutputDir = cfg.General.DataRoot
	}
	return p
}

func buildSMRIPrep(cfg *config.Config, step pipeline.Step) *smriprep.Procedure {
	p := smriprep.New()
	common(cfg, step, &p.Options)
	if p.InputDir == "" {
		p.InputDir = cfg.General.DataRoot
	}
	p.WorkDir = step.String("work", cfg.General.WorkDir)
	p.Subject = step.String("subject", "")
	p.ImageVersion = step.String("version", imageTag(cfg.Docker.SMRIPrepImage, p.ImageVersion))
	p.OutputSpaces = step.Strings("output_spaces")
	p.Longitudinal = step.Bool("longitudinal", false)
	p.BIDSFilterFile = step.String("bids_filter", "")
	p.FSLicenseFile = step.String("fs_license", cfg.Docker.FreeSurferLicense)
	p.DockerBinary = cfg.Docker.Binary
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	return p
}

func buildQSIPrep(cfg *config.Config, step pipeline.Step) *qsiprep.Procedure {
	p := qsiprep.New()
	common(cfg, step, &p.Options)
	if p.InputDir == "" {
		p.InputDir = cfg.General.DataRoot
	}
	p.WorkDir = step.String("work", cfg.General.WorkDir)
	if label := step.String("participant", ""); label != "" {
		p.Subjects = strings.Split(label, ",")
	} else {
		p.Subjects = step.Strings("participants")
	}
	p.ImageVersion = step.String("version", imageTag(cfg.Docker.QSIPrepImage, p.ImageVersion))
	p.OutputResolution = step.Float("output_resolution", p.OutputResolution)
	p.OutputSpaces = step.Strings("output_spaces")
	p.Longitudinal = step.Bool("longitudinal", false)
	p.NoB0Harmonize = step.Bool("no_b0_harmonization", false)
	p.SkipValidation = step.Bool("skip_bids_validation", false)
	p.BIDSFilterFile = step.String("bids_filter", "")
	p.FSLicenseFile = step.String("fs_license", cfg.Docker.FreeSurferLicense)
	p.DockerBinary = cfg.Docker.Binary
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	p.NProcs = step.Int("nprocs", p.NProcs)
	p.OMPThreads = step.Int("omp_nthreads", p.OMPThreads)
	return p
}

func buildQSIRecon(cfg *config.Config, step pipeline.Step) *qsirecon.Procedure {
	p := qsirecon.New()
	common(cfg, step, &p.Options)
	if p.InputDir == "" {
		p.InputDir = cfg.General.DataRoot
	}
	p.WorkDir = step.String("work", cfg.General.WorkDir)
	p.Subject = step.String("subject", "")
	p.ImageVersion = step.String("version", imageTag(cfg.Docker.QSIReconImage, p.ImageVersion))
	p.InputType = step.String("input_type", p.InputType)
	p.ReconSpecFile = step.String("recon_spec", "")
	p.FSLicenseFile = step.String("fs_license", cfg.Docker.FreeSurferLicense)
	p.DockerBinary = cfg.Docker.Binary
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	return p
}

func buildQsiparc(cfg *config.Config, step pipeline.Step) *qsiparc.Procedure {
	p := qsiparc.New()
	common(cfg, step, &p.Options)
	if p.InputDir == "" {
		p.InputDir = cfg.General.DataRoot
	}
	p.WorkDir = step.String("work", cfg.General.WorkDir)
	p.TempBIDSDir = step.String("temp_bids", "")
	if label := step.String("participant", ""); label != "" {
		p.Subjects = strings.Split(label, ",")
	} else {
		p.Subjects = step.Strings("participants")
	}
	p.ResamplingTarget = step.String("resampling_target", p.ResamplingTarget)
	p.Mask = step.String("mask", p.Mask)
	p.SkipValidation = step.Bool("skip_bids_validation", p.SkipValidation)
	p.NProcs = step.Int("nprocs", p.NProcs)
	p.OMPThreads = step.Int("omp_nthreads", p.OMPThreads)
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	return p
}

func buildNeuroflow(cfg *config.Config, step pipeline.Step) *neuroflow.Procedure {
	p := neuroflow.New()
	common(cfg, step, &p.Options)
	p.CredentialsFile = step.String("credentials", "")
	p.PatternsFile = step.String("patterns_file", "")
	p.Atlases = step.Strings("atlases")
	p.CropToGM = step.Bool("crop_to_gm", p.CropToGM)
	p.UseSMRIPrep = step.Bool("use_smriprep", p.UseSMRIPrep)
	p.FSLicenseFile = step.String("fs_license", cfg.Docker.FreeSurferLicense)
	p.MaxBval = step.Int("max_bval", p.MaxBval)
	p.IgnoreSteps = step.Strings("ignore_steps")
	p.Steps = step.Strings("steps")
	p.NThreads = step.Int("nthreads", p.NThreads)
	return p
}

func buildAxSI(cfg *config.Config, step pipeline.Step) *axsi.Procedure {
	p := axsi.New()
	common(cfg, step, &p.Options)
	p.RunName = step.String("run_name", "")
	p.DataFile = step.String("data", "")
	p.MaskFile = step.String("mask", "")
	p.BvalFile = step.String("bval", "")
	p.BvecFile = step.String("bvec", "")
	p.SmallDelta = step.Float("small_delta", p.SmallDelta)
	p.BigDelta = step.Float("big_delta", p.BigDelta)
	p.GMax = step.Float("gmax", p.GMax)
	p.GammaVal = step.Int("gamma_val", p.GammaVal)
	p.NumProcessesPred = step.Int("num_processes_pred", p.NumProcessesPred)
	p.NumThreadsPred = step.Int("num_threads_pred", p.NumThreadsPred)
	p.NumProcessesAxsi = step.Int("num_processes_axsi", p.NumProcessesAxsi)
	p.NumThreadsAxsi = step.Int("num_threads_axsi", p.NumThreadsAxsi)
	p.NonlinearLSQMethod = step.String("nonlinear_lsq_method", p.NonlinearLSQMethod)
	p.LinearLSQMethod = step.String("linear_lsq_method", p.LinearLSQMethod)
	p.DebugMode = step.Bool("debug_mode", false)
	return p
}

func buildMrtrix(cfg *config.Config, step pipeline.Step) *mrtrix.Procedure {
	p := mrtrix.New()
	common(cfg, step, &p.Options)
	p.Subject = step.String("subject", "")
	p.Session = step.String("session", "")
	p.ComisExec = step.String("comis_exec", "")
	p.ConfigFile = step.String("config_file", "")
	p.NThreads = step.Int("nthreads", p.NThreads)
	return p
}

// imageTag extracts the tag from a configured image reference like
// pennlinc/qsiprep:latest. Falls back when the reference has no tag.
func imageTag(image, fallback string) string {
	if i := strings.LastIndex(image, ":"); i >= 0 && i < len(image)-1 {
		return image[i+1:]
	}
	return fallback
}
