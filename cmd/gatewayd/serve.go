package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldbridge/indgw/pkg/config"
	"github.com/fieldbridge/indgw/pkg/gateway"
	"github.com/fieldbridge/indgw/pkg/logging"
	"github.com/fieldbridge/indgw/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve <config-file>",
	Short: "Run the gateway against a configuration file",
	Long: `Start the gateway: connect every enabled device, poll its registers
on schedule, evaluate alarms, and bridge the result onto the telemetry
bus until interrupted.

Example:
  gatewayd serve config.yaml --storage ~/.gatewayd/runs.db`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var serveOpts struct {
	storagePath    string
	healthInterval time.Duration
	noColor        bool
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveOpts.storagePath, "storage", "gatewayd.db", "Path to run-history database (use 'disabled' to disable)")
	serveCmd.Flags().DurationVar(&serveOpts.healthInterval, "health-interval", 30*time.Second, "Interval between gateway health telemetry events")
	serveCmd.Flags().BoolVar(&serveOpts.noColor, "no-color", false, "Disable colorized log output")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile := args[0]
	logging.InitColors(!serveOpts.noColor)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	validator := config.NewValidator(configFile)
	if verr := validator.Validate(cfg); verr != nil {
		return fmt.Errorf("configuration invalid: %w", verr)
	}
	if result := validator.Result(); result.HasWarnings() {
		logging.Info("%s", result.Format())
	}

	g, err := gateway.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	g.SetConfigFile(configFile)

	store, err := storage.Open(serveOpts.storagePath)
	if err != nil {
		logging.Info("run history disabled: %v", err)
	} else {
		g.SetStorage(store)
		defer store.Close()
	}

	logging.Info("starting gateway %s with %d device(s)", cfg.ID, len(cfg.Devices))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	lexSub := g.SubscribeLex()
	go func() {
		for e := range lexSub {
			logging.Debug("telemetry %s -> %s", e.Topic, e.Payload["gateway_id"])
		}
	}()

	healthTicker := time.NewTicker(serveOpts.healthInterval)
	defer healthTicker.Stop()
	go func() {
		for range healthTicker.C {
			g.EmitHealth()
		}
	}()

	logging.Success("gateway running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down gateway...")
	if err := g.Stop(); err != nil {
		logging.Error("error during shutdown: %v", err)
		return err
	}

	logging.Success("gateway stopped gracefully")
	return nil
}
