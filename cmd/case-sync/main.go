// Command case-sync keeps cases in the case-management system and tickets in
// the remote ticketing system in step.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"case-sync/syncer"
)

// Global flags
var (
	configPath string
	envFile    string
	dataDir    string
	debug      bool
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "case-sync",
	Short: "Synchronise cases with remote tickets",
	Long: `case-sync opens a ticket for every new case and mirrors ticket status,
ownership, notes and audit records back onto the case.

Examples:
  case-sync run -c config.yaml            # poll forever
  case-sync run --once                    # one RTS pass and one CMS pass
  case-sync links --state open            # list case/ticket linkages
  case-sync checkpoint rewind --source rts --from 2025-12-01`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "YAML config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file with API credentials")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "p", "", "Data directory for the database and legacy checkpoints (overrides config data_dir)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringVarP(&logFile, "log-file", "l", "", "Also write logs to this file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(linksCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// loadFileConfig reads the config file and applies flags the user set
// explicitly, so file values win over flag defaults.
func loadFileConfig(cmd *cobra.Command) (*syncer.FileConfig, error) {
	fileCfg, err := syncer.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		fileCfg.DataDir = dataDir
	}
	if flags.Changed("debug") {
		fileCfg.Debug = debug
	}
	if flags.Changed("log-file") {
		fileCfg.LogFile = logFile
	}
	fileCfg.ApplyDefaults()
	return fileCfg, nil
}

func openStore(fileCfg *syncer.FileConfig) (*syncer.SQLStore, error) {
	if dir := strings.TrimSpace(fileCfg.DataDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return syncer.NewSQLStore(fileCfg.Database.Path)
}

// checkpointStore returns the configured checkpoint backend and a closer for it.
func checkpointStore(fileCfg *syncer.FileConfig, sql *syncer.SQLStore) (syncer.CheckpointStore, func() error, error) {
	if fileCfg.CheckpointStore.Backend != "redis" {
		return sql, func() error { return nil }, nil
	}
	rs, err := syncer.NewRedisCheckpointStore(fileCfg.CheckpointStore.Redis)
	if err != nil {
		return nil, nil, err
	}
	return rs, rs.Close, nil
}
