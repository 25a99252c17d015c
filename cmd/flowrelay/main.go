package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/pkg/logging"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowrelay",
		Short: "Event processing and action dispatch engine",
		Long:  "flowrelay listens for workflow and personnel events and runs configured actions against records, webhooks and local processes",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(failedEventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			configFile = "config/config.yaml"
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, "", err
	}
	return cfg, configFile, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the event listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting flowrelay", "config", path)

			app := NewApp(cfg, path, log)
			if err := app.Initialize(ctx); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			if err := app.Run(ctx); err != nil && err != context.Canceled {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", err)
				return err
			}
			log.InfowCtx(ctx, "Shutdown complete")
			return nil
		},
	}
}

func failedEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed-events",
		Short: "List events the platform failed to push and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, path, log)
			items, hasMore, corpID, err := app.ListFailedDeliveries(ctx)
			if err != nil {
				log.ErrorwCtx(ctx, "Failed to list undelivered events", "error", err)
				return err
			}

			fmt.Printf("corp id:        %s\n", corpID)
			fmt.Printf("failed events:  %d\n", len(items))
			fmt.Printf("has more:       %v\n", hasMore)
			for i, item := range items {
				fmt.Printf("  [%d] %s: %v\n", i+1, item.EventType, item.Data)
			}
			if len(items) == 0 {
				fmt.Println("no undelivered events")
			}
			return nil
		},
	}
}
