package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "v0.1.0"
	commit  = "dev"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "MODBUS-TCP-to-telemetry protocol gateway",
	Long: `gatewayd polls MODBUS-TCP devices on a schedule, decodes their
registers into engineering-unit values, evaluates alarms, and bridges
the result onto a telemetry bus as severity-filtered, sampled, batched
LEX-topic records.

Run "gatewayd serve <config.yaml>" to start the gateway, or
"gatewayd validate <config.yaml>" to check a configuration before
deploying it.`,
	Version: version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("gatewayd %s (commit: %s, built: %s)\n", version, commit, date))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
