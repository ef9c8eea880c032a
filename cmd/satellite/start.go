package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/replication"
	"github.com/electric-sql/satellite/internal/satconfig"
	"github.com/electric-sql/satellite/internal/satellite/lifecycle"
)

var startCfg *satconfig.Config

var startCmd = &cobra.Command{
	Use:     "start",
	Short:   "Start the replication core against the configured endpoint",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := satconfig.Resolve(startCfg)
		if err != nil {
			return fmt.Errorf("resolve config: %w", err)
		}
		if err := cfg.Preflight(); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}

		adapter, err := dbadapter.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer adapter.Close()

		authCfg := replication.AuthConfig{
			URL:      consoleURL(cfg),
			Token:    cfg.AuthToken,
			ClientID: cfg.AuthClientID,
		}
		ctrlCfg := lifecycle.Config{
			Namespace:           cfg.Namespace,
			ClientID:            cfg.AuthClientID,
			PollingInterval:     cfg.PollingInterval,
			MinSnapshotWindow:   cfg.MinSnapshotWindow,
			ClearOnBehindWindow: cfg.ClearOnBehindWindow,
		}
		controller := lifecycle.New(adapter, ctrlCfg, authCfg)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		handle, err := controller.Start(ctx)
		if err != nil {
			return fmt.Errorf("start lifecycle controller: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			if err := handle.Wait(ctx); err != nil {
				slog.Warn("initial connection attempt failed; will keep retrying", "err", err)
			} else {
				slog.Info("replication started")
			}
		}()

		<-sigCh
		slog.Info("shutting down")
		cancel()
		controller.Stop()
		return nil
	},
}

// consoleURL prefers an explicit console host/port over the bare url flag,
// matching spec.md §6's separate console.{host,port,ssl} token-service
// endpoint from the replication url proper.
func consoleURL(cfg *satconfig.Config) string {
	if cfg.ConsoleHost == "" {
		return cfg.URL
	}
	scheme := "http"
	if cfg.ConsoleSSL {
		scheme = "https"
	}
	if cfg.ConsolePort != 0 {
		return fmt.Sprintf("%s://%s:%d", scheme, cfg.ConsoleHost, cfg.ConsolePort)
	}
	return fmt.Sprintf("%s://%s", scheme, cfg.ConsoleHost)
}

func init() {
	startCfg = satconfig.RegisterFlags(startCmd.Flags())
	rootCmd.AddCommand(startCmd)
}
