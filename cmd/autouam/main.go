// Package main is the AutoUAM entry point. It wires configuration, logging,
// the load sampler, the state store, and the Cloudflare client into the
// controller, and exposes daemon and one-shot commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autouam/autouam/internal/cloudflare"
	"github.com/autouam/autouam/internal/config"
	"github.com/autouam/autouam/internal/controller"
	"github.com/autouam/autouam/internal/daemon"
	"github.com/autouam/autouam/internal/health"
	"github.com/autouam/autouam/internal/logging"
	"github.com/autouam/autouam/internal/monitor"
	"github.com/autouam/autouam/internal/state"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	flagConfig    string
	flagAPIToken  string
	flagZoneID    string
	flagStateFile string
)

func main() {
	root := &cobra.Command{
		Use:           "autouam",
		Short:         "Toggle Cloudflare Under Attack Mode based on host load",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&flagAPIToken, "api-token", "", "Cloudflare API token (overrides config)")
	root.PersistentFlags().StringVar(&flagZoneID, "zone-id", "", "Cloudflare zone ID (overrides config)")
	root.PersistentFlags().StringVar(&flagStateFile, "state-file", "", "state file path (overrides config)")

	root.AddCommand(
		runCmd(),
		checkCmd(),
		enableCmd(),
		disableCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig builds the validated configuration from flags, env, and file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig, config.CLIOverrides{
		APIToken:  flagAPIToken,
		ZoneID:    flagZoneID,
		StateFile: flagStateFile,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildController assembles the full component graph.
func buildController(cfg *config.Config, logger *zap.Logger) (*controller.Controller, error) {
	clock := monitor.SystemClock()
	baseline := monitor.NewBaseline(logger, clock)
	sampler, err := monitor.NewSampler(logger, clock, baseline)
	if err != nil {
		return nil, err
	}
	store := state.NewStore(cfg.State.File, logger)
	client := cloudflare.NewClient(cfg.Cloudflare, logger)
	return controller.New(cfg, sampler, baseline, store, client, logger, clock), nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop as a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			defer logger.Sync()

			logger.Info("Starting AutoUAM",
				zap.String("version", version),
				zap.String("zone_id", cfg.Cloudflare.ZoneID))

			ctrl, err := buildController(cfg, logger)
			if err != nil {
				logger.Error("Failed to build controller", zap.Error(err))
				return err
			}

			ctx, cancel := signalContext(logger)
			defer cancel()

			initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
			if !ctrl.Initialize(initCtx) {
				// Degraded, not fatal: the loop retries every tick and
				// the health endpoint reports the condition.
				logger.Warn("Controller starting in degraded state",
					zap.String("reason", ctrl.DegradedReason()))
			}
			initCancel()

			if cfg.Health.Enabled {
				srv := health.New(ctrl, logger)
				go func() {
					if err := srv.Start(cfg.Health.Port); err != nil {
						logger.Error("Health endpoint failed", zap.Error(err))
					}
				}()
				defer srv.Shutdown()
			}

			daemon.New(ctrl, cfg, logger).Run(ctx)
			logger.Info("AutoUAM stopped")
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a single control tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			defer logger.Sync()

			ctrl, err := buildController(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Monitoring.CheckInterval.Duration)
			defer cancel()

			result := ctrl.CheckAndAct(ctx)
			if result.Err != nil {
				return fmt.Errorf("%s: %w", result.Reason, result.Err)
			}
			fmt.Printf("action=%s load=%.2f reason=%q\n",
				result.Action, result.NormalizedLoad, result.Reason)
			return nil
		},
	}
}

func enableCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Manually enable Under Attack Mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return manualOverride(true, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "Manual enable", "reason recorded in state")
	return cmd
}

func disableCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Manually disable Under Attack Mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return manualOverride(false, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "Manual disable", "reason recorded in state")
	return cmd
}

func manualOverride(enable bool, reason string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	defer logger.Sync()

	ctrl, err := buildController(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if enable {
		return ctrl.EnableUAM(ctx, reason)
	}
	return ctrl.DisableUAM(ctx, reason)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted control state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			store := state.NewStore(cfg.State.File, logger)

			data, err := json.MarshalIndent(store.Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autouam %s\n", version)
		},
	}
}
