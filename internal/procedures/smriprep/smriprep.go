// Package smriprep runs anatomical preprocessing with the containerized
// sMRIPrep BIDS app and declares the derivative files it is expected to
// produce, including the FreeSurfer reconstruction.
package smriprep

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/docker"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

const image = "nipreps/smriprep"

var rootFiles = []string{
	"dataset_description.json",
	"participants.tsv",
	"participants.json",
	"README",
}

// anatOutputs maps logical output names to their path templates under
// <output>/smriprep. Single-session subjects keep the session entity in
// derivative names; multi-session subjects get aggregated anatomicals.
var anatOutputs = map[string]bids.OutputTemplate{
	"preprocessed_T1w": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_desc-preproc_T1w.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_desc-preproc_T1w.nii.gz",
	},
	"brain_mask": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_desc-brain_mask.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_desc-brain_mask.nii.gz",
	},
	"MNI_preprocessed_T1w": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_space-MNI152NLin2009cAsym_desc-preproc_T1w.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_space-MNI152NLin2009cAsym_desc-preproc_T1w.nii.gz",
	},
	"MNI_brain_mask": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_space-MNI152NLin2009cAsym_desc-brain_mask.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_space-MNI152NLin2009cAsym_desc-brain_mask.nii.gz",
	},
	"mni_to_native_transform": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_from-MNI152NLin2009cAsym_to-T1w_mode-image_xfm.h5",
		Subject: "sub-{subject}/anat/sub-{subject}_from-MNI152NLin2009cAsym_to-T1w_mode-image_xfm.h5",
	},
	"native_to_mni_transform": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_from-T1w_to-MNI152NLin2009cAsym_mode-image_xfm.h5",
		Subject: "sub-{subject}/anat/sub-{subject}_from-T1w_to-MNI152NLin2009cAsym_mode-image_xfm.h5",
	},
	"fsnative_to_native_transform": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_from-fsnative_to-T1w_mode-image_xfm.txt",
		Subject: "sub-{subject}/anat/sub-{subject}_from-fsnative_to-T1w_mode-image_xfm.txt",
	},
	"native_to_fsnative_transform": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_from-T1w_to-fsnative_mode-image_xfm.txt",
		Subject: "sub-{subject}/anat/sub-{subject}_from-T1w_to-fsnative_mode-image_xfm.txt",
	},
	"segmentation": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_desc-aparcaseg_dseg.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_desc-aparcaseg_dseg.nii.gz",
	},
	"probseg_gm": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_label-GM_probseg.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_label-GM_probseg.nii.gz",
	},
	"probseg_wm": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_label-WM_probseg.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_label-WM_probseg.nii.gz",
	},
	"probseg_csf": {
		Session: "sub-{subject}/ses-{session}/anat/sub-{subject}_ses-{session}_label-CSF_probseg.nii.gz",
		Subject: "sub-{subject}/anat/sub-{subject}_label-CSF_probseg.nii.gz",
	},
}

// fsOutputs maps FreeSurfer reconstruction files under <output>/freesurfer.
// These never carry a session entity.
var fsOutputs = map[string]bids.OutputTemplate{
	"fsaverage": {Subject: "fsaverage/mri/brain.mgz"},
	"T1w":       {Subject: "sub-{subject}/mri/T1.mgz"},
	"brainmask": {Subject: "sub-{subject}/mri/brainmask.mgz"},
	"brain":     {Subject: "sub-{subject}/mri/brain.mgz"},
	"wm":        {Subject: "sub-{subject}/mri/wm.mgz"},
	"lh_pial":   {Subject: "sub-{subject}/surf/lh.pial"},
	"rh_pial":   {Subject: "sub-{subject}/surf/rh.pial"},
}

// Procedure wraps one sMRIPrep container run over a single participant.
type Procedure struct {
	procedure.Options

	WorkDir string
	Subject string // participant label, no sub- prefix

	ImageVersion   string // container tag; 0.15.0 when empty
	OutputSpaces   []string
	Longitudinal   bool
	BIDSFilterFile string
	FSLicenseFile  string
	DockerBinary   string

	StageInputs bool   // mirror the participant into WorkDir before the run
	RsyncBinary string // staging copy tool; "rsync" when empty
}

// New returns a Procedure pinned to the known-good container version.
func New() *Procedure {
	return &Procedure{ImageVersion: "0.15.0", StageInputs: true}
}

func (p *Procedure) Name() string    { return "smriprep" }
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
	if p.Subject == "" {
		return fmt.Errorf("%w: participant label", procedure.ErrMissingInput)
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
	return bids.Entities{Subject: p.Subject}
}

func (p *Procedure) version() string {
	if p.ImageVersion == "" {
		return "0.15.0"
	}
	return p.ImageVersion
}

func (p *Procedure) Config() map[string]any {
	cfg := map[string]any{
		"input_directory":   p.InputDir,
		"output_directory":  p.OutputDir,
		"logging_level":     p.LogLevel,
		"force":             p.Force,
		"work_directory":    p.WorkDir,
		"analysis_level":    "participant",
		"smriprep_version":  p.version(),
		"participant_label": p.Subject,
		"longitudinal":      p.Longitudinal,
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

// Outputs renders the declared derivative paths for the participant.
// Session-level templates apply when the dataset holds exactly one
// session for the subject.
func (p *Procedure) Outputs() map[string]string {
	sessions, err := bids.Sessions(p.InputDir, p.Subject)
	if err != nil {
		sessions = nil
	}
	sessionLevel := bids.SessionLevel(sessions)
	session := ""
	if sessionLevel {
		session = sessions[0]
	}

	outputs := map[string]string{"output_directory": p.OutputDir}
	anat := bids.RenderTable(anatOutputs, filepath.Join(p.OutputDir, "smriprep"), p.Subject, session, sessionLevel)
	for name, path := range anat {
		outputs[name] = path
	}
	fs := bids.RenderTable(fsOutputs, filepath.Join(p.OutputDir, "freesurfer"), p.Subject, session, sessionLevel)
	for name, path := range fs {
		outputs["fs_"+name] = path
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
	if len(p.OutputSpaces) > 0 {
		cmd.ListFlag("--output-spaces", p.OutputSpaces, ",")
	}
	cmd.Flag("--participant_label", p.Subject)

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

// Execute stages the participant into the work directory, runs the
// container over the staged copy and removes it on success. With
// staging disabled the container mounts the dataset directly.
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
		Subjects: []string{p.Subject},
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
