package main

import (
	"fmt"
	"os"

	"github.com/fieldbridge/indgw/pkg/config"
	"github.com/fieldbridge/indgw/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	validateVerbose bool
	validateJSON    bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate a gateway configuration file",
	Long: `Validate a gateway configuration file for errors and warnings.

This command checks device and register uniqueness, register class/
data-type/word-order consistency, alarm-to-register bindings, and scheduler/bridge
tuning ranges, without connecting to any device.

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Example: `  gatewayd validate config.yaml
  gatewayd validate config.yaml --verbose
  gatewayd validate config.yaml --json > validation-results.json`,
	Args: cobra.ExactArgs(1),
	Run:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVarP(&validateVerbose, "verbose", "v", false, "Show detailed validation information")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output validation results as JSON")
}

func runValidate(cmd *cobra.Command, args []string) {
	configFile := args[0]

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logging.Error("configuration file not found: %s", configFile)
		os.Exit(1)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		logging.Error("failed to load configuration: %v", err)
		os.Exit(1)
	}

	validator := config.NewValidator(configFile)
	_ = validator.Validate(cfg)
	result := validator.Result()

	if validateJSON {
		jsonOutput, err := result.ToJSON()
		if err != nil {
			logging.Error("failed to generate JSON output: %v", err)
			os.Exit(1)
		}
		fmt.Println(jsonOutput)
	} else if result.HasErrors() || result.HasWarnings() {
		fmt.Println(result.Format())
	} else {
		logging.Success("configuration is valid: %s", configFile)
		if validateVerbose {
			fmt.Printf("\nDevices: %d\n", len(cfg.Devices))
			fmt.Printf("Registers: %d\n", cfg.TotalRegisters())
			fmt.Printf("Alarms: %d\n", len(cfg.Alarms))
		}
	}

	if result.HasErrors() {
		os.Exit(1)
	}
}
