package schedule

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// SweepConfig describes one scheduled pipeline sweep over a dataset
type SweepConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	Pipeline string `toml:"pipeline"`
	MaxRuns  int    `toml:"max_runs"`
}

// SweepsConfig holds all sweep configurations
type SweepsConfig struct {
	Sweeps []SweepConfig `toml:"sweep"`
}

// Validate checks the sweep definition and fills defaults
func (c *SweepConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("sweep name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.Pipeline == "" {
		return fmt.Errorf("pipeline file is required")
	}
	if c.MaxRuns <= 0 {
		c.MaxRuns = 1
	}
	return nil
}

// LoadSweepsConfig loads sweep configuration from a TOML file. A missing
// file yields an empty configuration.
func LoadSweepsConfig(path string) (*SweepsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SweepsConfig{}, nil
		}
		return nil, err
	}

	var cfg SweepsConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Sweeps {
		if err := cfg.Sweeps[i].Validate(); err != nil {
			return nil, fmt.Errorf("sweep %d: %w", i, err)
		}
	}

	return &cfg, nil
}
