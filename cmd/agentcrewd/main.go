package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentcrew/internal/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "agentcrewd",
	Short:         "agentcrewd - persistent agents, routines and a planning Brain",
	Long:          `agentcrewd runs agents on recurring routines and approved tasks, and lets a Brain loop decide what runs next.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagAddr      string
	flagStateDir  string
	flagLogLevel  string
	flagLogFormat string
	flagUTC       bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagAddr, "addr", "", "HTTP listen address (default 127.0.0.1:7070)")
	pf.StringVar(&flagStateDir, "state-dir", "", "state directory (default <config dir>/agentcrew)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&flagUTC, "utc", false, "evaluate cron expressions in UTC")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(brainCmd)
	rootCmd.AddCommand(routineCmd)
	rootCmd.AddCommand(taskCmd)
}

// loadConfig merges the persistent flags over the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	ov := config.Overrides{
		Addr:      flagAddr,
		StateDir:  flagStateDir,
		LogLevel:  flagLogLevel,
		LogFormat: flagLogFormat,
	}
	if cmd.Flags().Changed("utc") {
		ov.UseUTC = &flagUTC
	}
	return config.Load(ov)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
