package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "0.1.0"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "neuroproc",
		Short: "Neuroimaging procedure orchestrator",
		Long: `neuroproc runs neuroimaging pipeline steps as tracked procedures.
It wraps external tools (heudiconv, AxSI, QSIPrep, QSIRecon, sMRIPrep,
comis-cortical) behind a shared lifecycle: input validation, per-run
logs, completion markers and a run-history database.`,
		Version: version,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
