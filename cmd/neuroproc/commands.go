package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/yalab-neuro/neuroproc/internal/config"
	"github.com/yalab-neuro/neuroproc/internal/daemon"
	"github.com/yalab-neuro/neuroproc/internal/dataset"
	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/maintenance"
	"github.com/yalab-neuro/neuroproc/internal/notify"
	"github.com/yalab-neuro/neuroproc/internal/pipeline"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
	"github.com/yalab-neuro/neuroproc/internal/procedures"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
	"github.com/yalab-neuro/neuroproc/internal/updater"
	"github.com/yalab-neuro/neuroproc/internal/watch"
	"github.com/yalab-neuro/neuroproc/tui"
	"github.com/yalab-neuro/neuroproc/web/api"
)

var (
	listProcedure string
	listSubject   string
	listSession   string
	listStatus    string
	listLimit     int

	pipelineSubject string
	pipelineSession string
	pipelineForce   bool

	cleanTask   string
	cleanMaxAge time.Duration
	cleanDryRun bool

	servePort int
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List procedure runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listProcedure, "procedure", "", "filter by procedure")
	listCmd.Flags().StringVar(&listSubject, "subject", "", "filter by subject")
	listCmd.Flags().StringVar(&listSession, "session", "", "filter by session")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show run counts and dataset inventory",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Print the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	scanCmd := &cobra.Command{
		Use:   "scan [DATA_ROOT]",
		Short: "Scan the dataset for subject sessions and record them",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runScan,
	}
	rootCmd.AddCommand(scanCmd)

	pipelineCmd := &cobra.Command{
		Use:   "pipeline FILE",
		Short: "Run a pipeline file over one subject session",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline,
	}
	pipelineCmd.Flags().StringVar(&pipelineSubject, "subject", "", "subject label, no sub- prefix")
	pipelineCmd.Flags().StringVar(&pipelineSession, "session", "", "session label, no ses- prefix")
	pipelineCmd.Flags().BoolVar(&pipelineForce, "force", false, "rerun steps whose markers exist")
	rootCmd.AddCommand(pipelineCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the incoming directory and report settled exports",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the watcher, scheduled sweeps and status API",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(daemonCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API over the run history",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the run dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Prune old run logs and staged inputs",
		RunE:  runClean,
	}
	cleanCmd.Flags().StringVar(&cleanTask, "task", "", "run only this task (logs, staging)")
	cleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", 30*24*time.Hour, "retention window")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "report what would be removed")
	rootCmd.AddCommand(cleanCmd)

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update neuroproc to the latest release",
		RunE:  runUpdate,
	}
	rootCmd.AddCommand(updateCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: procedure.ParseLevel(cfg.General.LogLevel),
	}))
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	return runstore.New(cfg.General.DatabasePath)
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return &notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func procedureInfos(cfg *config.Config) []api.ProcedureInfo {
	build := procedures.Builder(cfg)
	var infos []api.ProcedureInfo
	for _, name := range procedures.Names() {
		spec, err := build(pipeline.Step{Name: name, Procedure: name})
		if err != nil {
			continue
		}
		infos = append(infos, api.ProcedureInfo{Name: spec.Name(), Version: spec.Version()})
	}
	return infos
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		Procedure: listProcedure,
		Subject:   listSubject,
		Session:   listSession,
		Status:    domain.RunStatus(listStatus),
		Limit:     listLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROCEDURE\tSUBJECT\tSESSION\tSTATUS\tDURATION\tSTARTED")
	for _, r := range runs {
		started := ""
		if r.StartedAt != nil {
			started = r.StartedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Procedure, r.Subject, r.Session, r.Status,
			r.Duration().Round(time.Second), started)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{})
	if err != nil {
		return err
	}
	counts := make(map[domain.RunStatus]int)
	for _, r := range runs {
		counts[r.Status]++
	}
	sessions, err := store.ListSessions()
	if err != nil {
		return err
	}

	fmt.Printf("Runs: %d total\n", len(runs))
	for _, status := range []domain.RunStatus{domain.RunRunning, domain.RunSucceeded, domain.RunFailed, domain.RunSkipped} {
		if counts[status] > 0 {
			fmt.Printf("  %-10s %d\n", status, counts[status])
		}
	}
	fmt.Printf("Sessions: %d known\n", len(sessions))
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.FindRun(args[0])
	if err != nil {
		return err
	}
	if run.LogPath == "" {
		return fmt.Errorf("run %s has no log file", args[0])
	}
	data, err := os.ReadFile(run.LogPath)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root := cfg.General.DataRoot
	if len(args) > 0 {
		root = args[0]
	}
	if root == "" {
		return fmt.Errorf("no data root: pass one or set general.data_root")
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := dataset.Sync(root, store)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tSESSION\tPATH")
	for _, s := range sessions {
		fmt.Fprintf(w, "sub-%s\tses-%s\t%s\n", s.Subject, s.Session, s.Path)
	}
	return w.Flush()
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := pipeline.Load(args[0])
	if err != nil {
		return err
	}
	if err := p.Validate(procedures.Names()); err != nil {
		return err
	}
	resolved := p.Resolve(pipelineSubject, pipelineSession)
	if pipelineForce {
		for i := range resolved.Steps {
			if resolved.Steps[i].With == nil {
				resolved.Steps[i].With = map[string]any{}
			}
			resolved.Steps[i].With["force"] = true
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := &procedure.Runner{Store: store, Notifier: newNotifier(cfg)}
	log := newLogger(cfg)
	ctx, cancel := signalContext()
	defer cancel()
	return resolved.Run(ctx, runner, procedures.Builder(cfg), log)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Watch.IncomingDir == "" {
		return fmt.Errorf("no incoming directory: set watch.incoming_dir")
	}
	log := newLogger(cfg)
	debounce := time.Duration(cfg.Watch.DebounceSeconds) * time.Second
	w, err := watch.New(cfg.Watch.IncomingDir, debounce, func(dir string) {
		fmt.Printf("settled: %s\n", dir)
	}, log)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Watching %s (debounce %s). Ctrl-C to stop.\n", cfg.Watch.IncomingDir, debounce)
	<-ctx.Done()
	w.Stop()
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	log := newLogger(cfg)
	runner := &procedure.Runner{Store: store, Notifier: newNotifier(cfg)}
	d := daemon.New(cfg, store, runner, procedures.Builder(cfg), log)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, d, procedureInfos(cfg), addr, log)

	ctx, cancel := signalContext()
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- d.Run(ctx) }()
	go func() { errCh <- server.Serve(ctx) }()

	err = <-errCh
	cancel()
	<-errCh
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(store, nil, procedureInfos(cfg), addr, newLogger(cfg))

	ctx, cancel := signalContext()
	defer cancel()
	return server.Serve(ctx)
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	model := tui.NewModel(tui.ModelConfig{Source: store})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts := maintenance.Options{
		LogDir:  cfg.General.LogDir,
		WorkDir: cfg.General.WorkDir,
		MaxAge:  cleanMaxAge,
		DryRun:  cleanDryRun,
	}

	tasks := maintenance.BuiltinTasks
	if cleanTask != "" {
		task, ok := maintenance.ForID(cleanTask)
		if !ok {
			return fmt.Errorf("unknown task %q", cleanTask)
		}
		tasks = []maintenance.Task{task}
	}

	for _, task := range tasks {
		report, err := task.Run(opts)
		if err != nil {
			return fmt.Errorf("%s: %w", task.Name, err)
		}
		verb := "removed"
		if cleanDryRun {
			verb = "would remove"
		}
		fmt.Printf("%s: %s %d entries (%.1f MB)\n", task.Name, verb,
			len(report.Removed), float64(report.FreedBytes)/(1024*1024))
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	latest, err := updater.CheckLatestVersion()
	if err != nil {
		return err
	}
	if !updater.NeedsUpdate(version, latest) {
		fmt.Printf("Already up to date (%s)\n", version)
		return nil
	}
	fmt.Printf("Updating %s -> %s\n", version, latest)
	return updater.SelfUpdate(latest)
}
