package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandbay/sandbay/pkg/config"
	"github.com/sandbay/sandbay/pkg/log"
	"github.com/sandbay/sandbay/pkg/metrics"
	"github.com/sandbay/sandbay/pkg/reconciler"
	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandbay",
	Short: "Sandbay - time-boxed container sandboxes with interactive terminals",
	Long: `Sandbay provisions short-lived, quota-bound sandbox containers from
admin-defined templates and relays interactive terminal and log
streams between users and the container engine.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sandbay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(terminalCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(auditCmd)
}

// openDeps loads the configuration and connects the store and the
// docker engine for one CLI invocation.
func openDeps(cmd *cobra.Command) (*config.Config, *storage.BoltStore, *runtime.DockerRuntime, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logger.Level),
		JSONOutput: cfg.Logger.JSON,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	rt, err := runtime.NewDockerRuntime(cfg.Docker.Host)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	cleanup := func() {
		rt.Close()
		store.Close()
	}
	return cfg, store, rt, cleanup, nil
}

// actor resolves the identity CLI operations run as.
func actor(cmd *cobra.Command) (ownerID string, isAdmin bool) {
	ownerID, _ = cmd.Flags().GetString("owner")
	isAdmin, _ = cmd.Flags().GetBool("admin")
	return ownerID, isAdmin
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbay daemon",
	Long: `Run the sandbay daemon: the lifecycle engine, the reconciliation
loop and, when enabled, the metrics and health endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		logger := log.WithComponent("main")
		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "open")

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = rt.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("docker daemon unreachable: %w", err)
		}
		metrics.RegisterComponent("docker", true, "connected")

		recon := reconciler.NewReconciler(store, rt, cfg.ReconcileInterval)
		recon.Start()
		metrics.RegisterComponent("reconciler", true, "running")
		logger.Info().Dur("interval", cfg.ReconcileInterval).Msg("reconciler started")

		var metricsSrv *http.Server
		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
			go func() {
				logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
		}

		logger.Info().Str("version", Version).Msg("sandbay is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		recon.Stop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(shutdownCtx)
			cancel()
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}
