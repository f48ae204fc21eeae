// Command remedy tracks batch remediation jobs: it submits flagged issues
// to the external fix worker, follows progress over polling or push, and
// drives the per-issue sub-operations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remediate-run/remedy/internal/config"
	"github.com/remediate-run/remedy/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagEnvFile     string
	flagMetricsAddr string
	flagPush        bool
)

var rootCmd = &cobra.Command{
	Use:     "remedy",
	Short:   "Remedy - batch remediation job tracker",
	Long:    `Remedy submits flagged issues for bulk remediation and tracks the batch across polling and push updates until it completes.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagEnvFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.Init(logging.Config{
			Format:    cfg.LogFormat,
			Level:     cfg.LogLevel,
			Component: "remedy",
		})
		runtimeCfg = config.NewRuntime(*cfg)
		return nil
	},
}

// runtimeCfg carries the loaded (and hot-reloadable) configuration.
var runtimeCfg *config.Runtime

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Remedy %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env", "", "path to env file (default: environment only)")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while watching")
	rootCmd.PersistentFlags().BoolVar(&flagPush, "push", false, "attach the websocket push channel in addition to polling")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(ignoreCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
