// Isabella - task authorization and behavioral telemetry for agents.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tamv/isabella/internal/config"
	"github.com/tamv/isabella/internal/logging"
)

var (
	// Config
	dataDir    string
	configPath string

	// Version
	version = "0.1.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "isabella",
		Short: "Isabella - agent task authorization and behavioral telemetry",
		Long: `Isabella signs every task an agent wants to run, asks the security
sentinel once, and records the outcome in a hash-chained ledger.

Creator-owned agents with a verified creator session may run critical
tasks. Everything else is bounded by risk, role and behavior.`,
		SilenceUsage: true,
	}

	home, _ := os.UserHomeDir()
	root.PersistentFlags().StringVar(&dataDir, "data-dir", filepath.Join(home, ".isabella"), "data directory")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.json)")

	root.AddCommand(serveCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(sessionCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(versionCmd())

	return root
}

// loadConfig reads the config file and applies the global flags
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(dataDir, "config.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.DataDir = dataDir

	logging.SetLevel(cfg.LogLevel())
	logging.SetColor(cfg.Log.Color)

	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "isabella %s\n", version)
		},
	}
}
