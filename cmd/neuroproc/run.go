package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yalab-neuro/neuroproc/internal/config"
	"github.com/yalab-neuro/neuroproc/internal/domain"
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

// Flags shared by every run subcommand.
var (
	runInput    string
	runOutput   string
	runLogDir   string
	runLogLevel string
	runForce    bool
	runDryRun   bool
	runWorkDir  string
)

var (
	d2bSubject     string
	d2bSession     string
	d2bHeuristic   string
	d2bConverter   string
	d2bInfer       bool
	d2bFieldmap    bool
	d2bB0Threshold float64
	d2bFirstAsB0   bool

	axsiRunName     string
	axsiData        string
	axsiMask        string
	axsiBval        string
	axsiBvec        string
	axsiSmallDelta  float64
	axsiBigDelta    float64
	axsiGMax        float64
	axsiGammaVal    int
	axsiProcPred    int
	axsiThreadsPred int
	axsiProcAxsi    int
	axsiThreadsAxsi int
	axsiNonlinear   string
	axsiLinear      string
	axsiDebug       bool

	qpParticipants []string
	qpImageVersion string
	qpResolution   float64
	qpSpaces       []string
	qpLongitudinal bool
	qpNoB0Harm     bool
	qpSkipValid    bool
	qpFilterFile   string
	qpLicense      string
	qpNProcs       int
	qpOMPThreads   int

	qrParticipant  string
	qrImageVersion string
	qrInputType    string
	qrReconSpec    string
	qrLicense      string

	smParticipant  string
	smImageVersion string
	smSpaces       []string
	smLongitudinal bool
	smFilterFile   string
	smLicense      string

	qparcParticipants []string
	qparcTempBIDS     string
	qparcResampling   string
	qparcMask         string
	qparcSkipValid    bool
	qparcNProcs       int
	qparcOMPThreads   int

	nfCredentials string
	nfPatterns    string
	nfAtlases     []string
	nfCropToGM    bool
	nfUseSMRIPrep bool
	nfLicense     string
	nfMaxBval     int
	nfIgnoreSteps []string
	nfSteps       []string
	nfNThreads    int

	mrtSubject    string
	mrtSession    string
	mrtComisExec  string
	mrtConfigFile string
	mrtNThreads   int

	outSubject string
	outSession string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single procedure",
	}
	runCmd.PersistentFlags().StringVar(&runInput, "input", "", "input directory")
	runCmd.PersistentFlags().StringVar(&runOutput, "output", "", "output directory")
	runCmd.PersistentFlags().StringVar(&runLogDir, "log-dir", "", "logging directory (default: logs/ next to the output)")
	runCmd.PersistentFlags().StringVar(&runLogLevel, "log-level", "", "log level (debug, info, warning, error, critical)")
	runCmd.PersistentFlags().BoolVar(&runForce, "force", false, "rerun even when the completion marker exists")
	runCmd.PersistentFlags().BoolVar(&runDryRun, "dry-run", false, "print the exact command line and exit")
	rootCmd.AddCommand(runCmd)

	d2bCmd := &cobra.Command{
		Use:   "dicom2bids",
		Short: "Convert a DICOM session to BIDS with heudiconv",
		RunE:  runDicom2BIDS,
	}
	d2bCmd.Flags().StringVar(&d2bSubject, "subject", "", "subject label, no sub- prefix")
	d2bCmd.Flags().StringVar(&d2bSession, "session", "", "session label; inferred from the input name when unset")
	d2bCmd.Flags().StringVar(&d2bHeuristic, "heuristic", "", "heudiconv heuristic file")
	d2bCmd.Flags().StringVar(&d2bConverter, "converter", "dcm2niix", "DICOM converter")
	d2bCmd.Flags().BoolVar(&d2bInfer, "infer-session", true, "derive the session from the input directory name")
	d2bCmd.Flags().BoolVar(&d2bFieldmap, "fieldmap", true, "generate the PA EPI fieldmap after conversion")
	d2bCmd.Flags().Float64Var(&d2bB0Threshold, "b0-threshold", 50.0, "b-value at or below which a volume counts as b0")
	d2bCmd.Flags().BoolVar(&d2bFirstAsB0, "allow-first-as-b0", false, "use the first volume when the PA series has no b0")
	runCmd.AddCommand(d2bCmd)

	axsiCmd := &cobra.Command{
		Use:   "axsi",
		Short: "Run AxSI microstructure modelling over one DWI series",
		RunE:  runAxSI,
	}
	axsiCmd.Flags().StringVar(&axsiRunName, "run-name", "", "output subdirectory; inferred from the data path when unset")
	axsiCmd.Flags().StringVar(&axsiData, "data", "", "DWI series NIfTI")
	axsiCmd.Flags().StringVar(&axsiMask, "mask", "", "brain mask NIfTI")
	axsiCmd.Flags().StringVar(&axsiBval, "bval", "", "b-value table")
	axsiCmd.Flags().StringVar(&axsiBvec, "bvec", "", "gradient table")
	axsiCmd.Flags().Float64Var(&axsiSmallDelta, "small-delta", 15.0, "gradient duration in ms")
	axsiCmd.Flags().Float64Var(&axsiBigDelta, "big-delta", 45.0, "time to scan in ms")
	axsiCmd.Flags().Float64Var(&axsiGMax, "gmax", 7.9, "gradient maximum amplitude in G/cm")
	axsiCmd.Flags().IntVar(&axsiGammaVal, "gamma-val", 4257, "gyromagnetic ratio")
	axsiCmd.Flags().IntVar(&axsiProcPred, "num-processes-pred", 1, "prediction worker processes")
	axsiCmd.Flags().IntVar(&axsiThreadsPred, "num-threads-pred", 1, "prediction threads per process")
	axsiCmd.Flags().IntVar(&axsiProcAxsi, "num-processes-axsi", 1, "AxSI worker processes")
	axsiCmd.Flags().IntVar(&axsiThreadsAxsi, "num-threads-axsi", 1, "AxSI threads per process")
	axsiCmd.Flags().StringVar(&axsiNonlinear, "nonlinear-lsq-method", "R-minpack", "nonlinear least-squares solver")
	axsiCmd.Flags().StringVar(&axsiLinear, "linear-lsq-method", "R-quadprog", "linear least-squares solver")
	axsiCmd.Flags().BoolVar(&axsiDebug, "debug-mode", false, "enable solver debug output")
	runCmd.AddCommand(axsiCmd)

	qpCmd := &cobra.Command{
		Use:   "qsiprep",
		Short: "Preprocess diffusion data with the QSIPrep container",
		RunE:  runQSIPrep,
	}
	qpCmd.Flags().StringSliceVar(&qpParticipants, "participant", nil, "participant labels, no sub- prefix")
	qpCmd.Flags().StringVar(&qpImageVersion, "image-version", "", "container tag (default from config)")
	qpCmd.Flags().Float64Var(&qpResolution, "output-resolution", 1.6, "isotropic output resolution in mm")
	qpCmd.Flags().StringSliceVar(&qpSpaces, "output-spaces", nil, "anatomical template spaces")
	qpCmd.Flags().BoolVar(&qpLongitudinal, "longitudinal", false, "treat sessions as longitudinal")
	qpCmd.Flags().BoolVar(&qpNoB0Harm, "no-b0-harmonization", false, "skip b0 intensity harmonization")
	qpCmd.Flags().BoolVar(&qpSkipValid, "skip-bids-validation", false, "skip BIDS validation inside the container")
	qpCmd.Flags().StringVar(&qpFilterFile, "bids-filter-file", "", "BIDS filter JSON, mounted into the container")
	qpCmd.Flags().StringVar(&qpLicense, "fs-license", "", "FreeSurfer license (default: config, then $FREESURFER_HOME/license.txt)")
	qpCmd.Flags().IntVar(&qpNProcs, "nprocs", 0, "container worker processes")
	qpCmd.Flags().IntVar(&qpOMPThreads, "omp-nthreads", 0, "OpenMP threads per worker")
	runCmd.AddCommand(qpCmd)

	qrCmd := &cobra.Command{
		Use:   "qsirecon",
		Short: "Reconstruct diffusion models with the QSIRecon container",
		RunE:  runQSIRecon,
	}
	qrCmd.Flags().StringVar(&qrParticipant, "participant", "", "participant label, no sub- prefix")
	qrCmd.Flags().StringVar(&qrImageVersion, "image-version", "", "container tag (default from config)")
	qrCmd.Flags().StringVar(&qrInputType, "input-type", "qsiprep", "preprocessing pipeline the input came from")
	qrCmd.Flags().StringVar(&qrReconSpec, "recon-spec", "", "reconstruction workflow YAML, mounted into the container")
	qrCmd.Flags().StringVar(&qrLicense, "fs-license", "", "FreeSurfer license")
	runCmd.AddCommand(qrCmd)

	smCmd := &cobra.Command{
		Use:   "smriprep",
		Short: "Preprocess anatomical data with the sMRIPrep container",
		RunE:  runSMRIPrep,
	}
	smCmd.Flags().StringVar(&smParticipant, "participant", "", "participant label, no sub- prefix")
	smCmd.Flags().StringVar(&smImageVersion, "image-version", "", "container tag (default from config)")
	smCmd.Flags().StringSliceVar(&smSpaces, "output-spaces", nil, "output template spaces")
	smCmd.Flags().BoolVar(&smLongitudinal, "longitudinal", false, "treat sessions as longitudinal")
	smCmd.Flags().StringVar(&smFilterFile, "bids-filter-file", "", "BIDS filter JSON, mounted into the container")
	smCmd.Flags().StringVar(&smLicense, "fs-license", "", "FreeSurfer license")
	runCmd.AddCommand(smCmd)

	qparcCmd := &cobra.Command{
		Use:   "qsiparc",
		Short: "Parcellate QSIRecon derivatives into atlas tables",
		RunE:  runQsiparc,
	}
	qparcCmd.Flags().StringSliceVar(&qparcParticipants, "participant", nil, "participant labels, no sub- prefix")
	qparcCmd.Flags().StringVar(&qparcTempBIDS, "temp-bids", "", "staging root (default: the work directory)")
	qparcCmd.Flags().StringVar(&qparcResampling, "resampling-target", "data", "resampling target (data, atlas, labels)")
	qparcCmd.Flags().StringVar(&qparcMask, "mask", "gm", "mask used for parcellation")
	qparcCmd.Flags().BoolVar(&qparcSkipValid, "skip-bids-validation", true, "skip BIDS validation")
	qparcCmd.Flags().IntVar(&qparcNProcs, "nprocs", 0, "parcellation worker processes")
	qparcCmd.Flags().IntVar(&qparcOMPThreads, "omp-nthreads", 0, "OpenMP threads per worker")
	runCmd.AddCommand(qparcCmd)

	nfCmd := &cobra.Command{
		Use:   "neuroflow",
		Short: "Run downstream dMRI analysis with neuroflow",
		RunE:  runNeuroflow,
	}
	nfCmd.Flags().StringVar(&nfCredentials, "credentials", "", "Google service-account JSON for the covariates sheet")
	nfCmd.Flags().StringVar(&nfPatterns, "patterns-file", "", "mapping of required inputs")
	nfCmd.Flags().StringSliceVar(&nfAtlases, "atlases", nil, "atlases to use")
	nfCmd.Flags().BoolVar(&nfCropToGM, "crop-to-gm", true, "crop the atlases to the gray matter")
	nfCmd.Flags().BoolVar(&nfUseSMRIPrep, "use-smriprep", true, "register atlases via sMRIPrep derivatives")
	nfCmd.Flags().StringVar(&nfLicense, "fs-license", "", "FreeSurfer license")
	nfCmd.Flags().IntVar(&nfMaxBval, "max-bval", 1000, "maximum b-value used for DTI")
	nfCmd.Flags().StringSliceVar(&nfIgnoreSteps, "ignore-steps", nil, "analysis stages to skip")
	nfCmd.Flags().StringSliceVar(&nfSteps, "steps", nil, "analysis stages to run")
	nfCmd.Flags().IntVar(&nfNThreads, "nthreads", 1, "worker threads")
	runCmd.AddCommand(nfCmd)

	mrtCmd := &cobra.Command{
		Use:   "mrtrix",
		Short: "Prepare inputs and run the comis-cortical pipeline",
		RunE:  runMrtrix,
	}
	mrtCmd.Flags().StringVar(&mrtSubject, "subject", "", "subject label, no sub- prefix")
	mrtCmd.Flags().StringVar(&mrtSession, "session", "", "session label, no ses- prefix")
	mrtCmd.Flags().StringVar(&mrtComisExec, "comis-exec", "", "comis-cortical entry point executable")
	mrtCmd.Flags().StringVar(&mrtConfigFile, "config-file", "", "JSON config naming prebuilt datain/index tables")
	mrtCmd.Flags().IntVar(&mrtNThreads, "nthreads", 1, "tracking threads")
	runCmd.AddCommand(mrtCmd)

	for _, c := range []*cobra.Command{qpCmd, qrCmd, smCmd, qparcCmd} {
		c.Flags().StringVar(&runWorkDir, "work", "", "scratch directory (default from config)")
	}

	outputsCmd := &cobra.Command{
		Use:       "outputs PROCEDURE",
		Short:     "List the output files a procedure run produces",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"axsi", "qsiprep", "qsirecon", "qsiparc", "smriprep", "mrtrix_preprocessing", "neuroflow"},
		RunE:      runOutputs,
	}
	outputsCmd.Flags().StringVar(&runInput, "input", "", "input directory")
	outputsCmd.Flags().StringVar(&runOutput, "output", "", "output directory")
	outputsCmd.Flags().StringVar(&outSubject, "subject", "", "subject label, no sub- prefix")
	outputsCmd.Flags().StringVar(&outSession, "session", "", "session label, no ses- prefix")
	rootCmd.AddCommand(outputsCmd)
}

func commonOptions(cfg *config.Config) procedure.Options {
	level := runLogLevel
	if level == "" {
		level = cfg.General.LogLevel
	}
	logDir := runLogDir
	if logDir == "" {
		logDir = cfg.General.LogDir
	}
	return procedure.Options{
		InputDir:  runInput,
		OutputDir: runOutput,
		LogDir:    logDir,
		LogLevel:  level,
		Force:     runForce,
	}
}

func workDir(cfg *config.Config) string {
	if runWorkDir != "" {
		return runWorkDir
	}
	return cfg.General.WorkDir
}

func license(cfg *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Docker.FreeSurferLicense
}

// executeSpec runs one configured procedure through the shared lifecycle,
// or prints its command line under --dry-run.
func executeSpec(cfg *config.Config, spec procedure.Spec) error {
	if runDryRun {
		cp, ok := spec.(procedure.CommandPreviewer)
		if !ok {
			return fmt.Errorf("%s does not map to a single command line", spec.Name())
		}
		line, err := cp.Cmdline()
		if err != nil {
			return err
		}
		fmt.Println(line)
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := &procedure.Runner{Store: store, Notifier: newNotifier(cfg)}
	ctx, cancel := signalContext()
	defer cancel()

	run, err := runner.Run(ctx, spec)
	if err != nil {
		return err
	}
	switch run.Status {
	case domain.RunSkipped:
		fmt.Printf("%s: already complete, skipped (run %s)\n", spec.Name(), shortID(run.ID))
	default:
		fmt.Printf("%s: %s in %s (run %s, log %s)\n",
			spec.Name(), run.Status, run.Duration().Round(time.Second), shortID(run.ID), run.LogPath)
	}
	return nil
}

func runDicom2BIDS(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := dicom2bids.New()
	p.Options = commonOptions(cfg)
	p.Subject = d2bSubject
	p.Session = d2bSession
	p.HeuristicFile = d2bHeuristic
	if p.HeuristicFile == "" {
		p.HeuristicFile = cfg.Conversion.HeuristicFile
	}
	p.Converter = d2bConverter
	p.InferSession = d2bInfer
	p.Fieldmap = d2bFieldmap
	p.B0Threshold = d2bB0Threshold
	p.AllowFirstAsB0 = d2bFirstAsB0
	return executeSpec(cfg, p)
}

func runAxSI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := axsi.New()
	p.Options = commonOptions(cfg)
	p.RunName = axsiRunName
	p.DataFile = axsiData
	p.MaskFile = axsiMask
	p.BvalFile = axsiBval
	p.BvecFile = axsiBvec
	p.SmallDelta = axsiSmallDelta
	p.BigDelta = axsiBigDelta
	p.GMax = axsiGMax
	p.GammaVal = axsiGammaVal
	p.NumProcessesPred = axsiProcPred
	p.NumThreadsPred = axsiThreadsPred
	p.NumProcessesAxsi = axsiProcAxsi
	p.NumThreadsAxsi = axsiThreadsAxsi
	p.NonlinearLSQMethod = axsiNonlinear
	p.LinearLSQMethod = axsiLinear
	p.DebugMode = axsiDebug
	return executeSpec(cfg, p)
}

func runQSIPrep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := qsiprep.New()
	p.Options = commonOptions(cfg)
	p.WorkDir = workDir(cfg)
	p.Subjects = qpParticipants
	if qpImageVersion != "" {
		p.ImageVersion = qpImageVersion
	}
	p.OutputResolution = qpResolution
	p.OutputSpaces = qpSpaces
	p.Longitudinal = qpLongitudinal
	p.NoB0Harmonize = qpNoB0Harm
	p.SkipValidation = qpSkipValid
	p.BIDSFilterFile = qpFilterFile
	p.FSLicenseFile = license(cfg, qpLicense)
	p.DockerBinary = cfg.Docker.Binary
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	if qpNProcs > 0 {
		p.NProcs = qpNProcs
	}
	if qpOMPThreads > 0 {
		p.OMPThreads = qpOMPThreads
	}
	return executeSpec(cfg, p)
}

func runQSIRecon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := qsirecon.New()
	p.Options = commonOptions(cfg)
	p.WorkDir = workDir(cfg)
	p.Subject = qrParticipant
	if qrImageVersion != "" {
		p.ImageVersion = qrImageVersion
	}
	p.InputType = qrInputType
	p.ReconSpecFile = qrReconSpec
	p.FSLicenseFile = license(cfg, qrLicense)
	p.DockerBinary = cfg.Docker.Binary
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	return executeSpec(cfg, p)
}

func runSMRIPrep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := smriprep.New()
	p.Options = commonOptions(cfg)
	p.WorkDir = workDir(cfg)
	p.Subject = smParticipant
	if smImageVersion != "" {
		p.ImageVersion = smImageVersion
	}
	p.OutputSpaces = smSpaces
	p.Longitudinal = smLongitudinal
	p.BIDSFilterFile = smFilterFile
	p.FSLicenseFile = license(cfg, smLicense)
	p.DockerBinary = cfg.Docker.Binary
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	return executeSpec(cfg, p)
}

func runQsiparc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := qsiparc.New()
	p.Options = commonOptions(cfg)
	p.WorkDir = workDir(cfg)
	p.TempBIDSDir = qparcTempBIDS
	p.Subjects = qparcParticipants
	p.ResamplingTarget = qparcResampling
	p.Mask = qparcMask
	p.SkipValidation = qparcSkipValid
	if qparcNProcs > 0 {
		p.NProcs = qparcNProcs
	}
	if qparcOMPThreads > 0 {
		p.OMPThreads = qparcOMPThreads
	}
	p.StageInputs = cfg.Staging.Enabled
	p.RsyncBinary = cfg.Staging.RsyncBinary
	return executeSpec(cfg, p)
}

func runNeuroflow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := neuroflow.New()
	p.Options = commonOptions(cfg)
	p.CredentialsFile = nfCredentials
	p.PatternsFile = nfPatterns
	p.Atlases = nfAtlases
	p.CropToGM = nfCropToGM
	p.UseSMRIPrep = nfUseSMRIPrep
	p.FSLicenseFile = license(cfg, nfLicense)
	p.MaxBval = nfMaxBval
	p.IgnoreSteps = nfIgnoreSteps
	p.Steps = nfSteps
	p.NThreads = nfNThreads
	return executeSpec(cfg, p)
}

func runMrtrix(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := mrtrix.New()
	p.Options = commonOptions(cfg)
	p.Subject = mrtSubject
	p.Session = mrtSession
	p.ComisExec = mrtComisExec
	p.ConfigFile = mrtConfigFile
	p.NThreads = mrtNThreads
	return executeSpec(cfg, p)
}

func runOutputs(cmd *cobra.Command, args []string) error {
	var lister procedure.OutputLister
	switch args[0] {
	case "axsi":
		p := axsi.New()
		p.OutputDir = runOutput
		p.RunName = "sub-" + outSubject + "_ses-" + outSession
		lister = p
	case "qsiprep":
		p := qsiprep.New()
		p.OutputDir = runOutput
		p.Subjects = []string{outSubject}
		lister = p
	case "qsirecon":
		p := qsirecon.New()
		p.OutputDir = runOutput
		p.Subject = outSubject
		lister = p
	case "smriprep":
		p := smriprep.New()
		p.InputDir = runInput
		p.OutputDir = runOutput
		p.Subject = outSubject
		lister = p
	case "mrtrix_preprocessing", "mrtrix":
		p := mrtrix.New()
		p.OutputDir = runOutput
		p.Subject = outSubject
		p.Session = outSession
		lister = p
	case "qsiparc":
		p := qsiparc.New()
		p.OutputDir = runOutput
		p.Subjects = []string{outSubject}
		lister = p
	case "neuroflow":
		p := neuroflow.New()
		p.OutputDir = runOutput
		lister = p
	default:
		return fmt.Errorf("procedure %q declares no outputs", args[0])
	}

	outputs := lister.Outputs()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tEXISTS")
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exists := "no"
		if _, err := os.Stat(outputs[name]); err == nil {
			exists = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, outputs[name], exists)
	}
	return w.Flush()
}
