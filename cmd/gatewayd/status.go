package main

import (
	"context"
	"fmt"

	"github.com/fieldbridge/indgw/pkg/config"
	"github.com/fieldbridge/indgw/pkg/gateway"
	"github.com/fieldbridge/indgw/pkg/interactive"
	"github.com/fieldbridge/indgw/pkg/logging"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <config-file>",
	Short: "Run the gateway with a live terminal status dashboard",
	Long: `Start the gateway the same way "serve" does, but attach an
interactive terminal dashboard showing device connection state, active
alarms, runtime statistics and a live telemetry feed. Acknowledge, shelve
and unshelve alarms directly from the dashboard.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	configFile := args[0]
	logging.InitColors(true)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	validator := config.NewValidator(configFile)
	if verr := validator.Validate(cfg); verr != nil {
		return fmt.Errorf("configuration invalid: %w", verr)
	}

	g, err := gateway.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	g.SetConfigFile(configFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	deviceIDs := make([]string, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.Enabled {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}

	tuiErr := interactive.Run(g, cfg.ID, deviceIDs)

	if err := g.Stop(); err != nil {
		logging.Error("error during shutdown: %v", err)
	}

	return tuiErr
}
