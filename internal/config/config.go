package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/yalab-neuro/neuroproc/internal/schedule"
)

// LocalConfigName is the per-dataset config file searched for in parent directories
const LocalConfigName = ".neuroproc.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig          `toml:"general"`
	Docker        DockerConfig           `toml:"docker"`
	Staging       StagingConfig          `toml:"staging"`
	Conversion    ConversionConfig       `toml:"conversion"`
	Watch         WatchConfig            `toml:"watch"`
	Notifications NotificationsConfig    `toml:"notifications"`
	Web           WebConfig              `toml:"web"`
	Sweeps        []schedule.SweepConfig `toml:"sweep"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataRoot        string `toml:"data_root"`
	WorkDir         string `toml:"work_dir"`
	LogDir          string `toml:"log_dir"`
	DatabasePath    string `toml:"database_path"`
	LogLevel        string `toml:"log_level"`
	MaxParallelRuns int    `toml:"max_parallel_runs"`
}

// DockerConfig holds container execution settings
type DockerConfig struct {
	Binary            string `toml:"binary"`
	QSIPrepImage      string `toml:"qsiprep_image"`
	QSIReconImage     string `toml:"qsirecon_image"`
	SMRIPrepImage     string `toml:"smriprep_image"`
	FreeSurferLicense string `toml:"freesurfer_license"`
}

// StagingConfig holds input staging settings
type StagingConfig struct {
	Enabled     bool   `toml:"enabled"`
	RsyncBinary string `toml:"rsync_binary"`
}

// ConversionConfig holds DICOM conversion settings
type ConversionConfig struct {
	HeuristicFile string `toml:"heuristic_file"`
}

// WatchConfig holds incoming-directory watcher settings. Pipeline
// optionally names a pipeline file run after each automated conversion.
type WatchConfig struct {
	IncomingDir     string `toml:"incoming_dir"`
	DebounceSeconds int    `toml:"debounce_seconds"`
	Pipeline        string `toml:"pipeline"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".neuroproc")
	return &Config{
		General: GeneralConfig{
			DataRoot:        "",
			WorkDir:         filepath.Join(stateDir, "work"),
			LogDir:          "",
			DatabasePath:    filepath.Join(stateDir, "neuroproc.db"),
			LogLevel:        "info",
			MaxParallelRuns: 1,
		},
		Docker: DockerConfig{
			Binary:        "docker",
			QSIPrepImage:  "pennlinc/qsiprep:latest",
			QSIReconImage: "pennlinc/qsirecon:latest",
			SMRIPrepImage: "nipreps/smriprep:0.15.0",
		},
		Staging: StagingConfig{
			Enabled:     true,
			RsyncBinary: "rsync",
		},
		Watch: WatchConfig{
			DebounceSeconds: 2,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataRoot = ExpandPath(cfg.General.DataRoot)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Docker.FreeSurferLicense = ExpandPath(cfg.Docker.FreeSurferLicense)
	cfg.Conversion.HeuristicFile = ExpandPath(cfg.Conversion.HeuristicFile)
	cfg.Watch.IncomingDir = ExpandPath(cfg.Watch.IncomingDir)
	cfg.Watch.Pipeline = ExpandPath(cfg.Watch.Pipeline)
	for i := range cfg.Sweeps {
		cfg.Sweeps[i].Pipeline = ExpandPath(cfg.Sweeps[i].Pipeline)
	}

	return cfg, nil
}

// Save writes the configuration to a TOML file
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "neuroproc", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for a
// .neuroproc.toml file. Returns the empty string if none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a local
// .neuroproc.toml found upward from the working directory, otherwise the
// default config location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
