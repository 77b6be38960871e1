// Package main is the CLI entry point for the WhatsApp group broadcaster.
//
// Start the server:
//
//	broadcaster serve --config broadcaster.yaml
//
// The server manages isolated WhatsApp sessions, pairs them via QR codes
// streamed over websocket, and broadcasts messages to selected groups
// through a REST API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/config"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/credentials"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/gateway"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/reply"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/session"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/wa"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "broadcaster",
		Short:        "Multi-session WhatsApp group broadcaster",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcaster server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(cfg config.Config) error {
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	store, err := credentials.NewDirStore(cfg.AuthDir, logger)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	hub := gateway.NewHub(cfg.Server.QRSize, logger)
	dialer := wa.NewDialer(store, logger)
	resolver := reply.New(cfg.Reply)
	mgr := session.NewManager(cfg.Sessions, dialer, store, hub, resolver, logger)

	if err := mgr.RegisterExisting(); err != nil {
		return err
	}

	var scheduler *cron.Cron
	if cfg.Eviction.Enabled {
		maxIdle := time.Duration(cfg.Eviction.MaxIdleMinutes) * time.Minute
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Eviction.Schedule, func() {
			if n := mgr.EvictIdle(maxIdle); n > 0 {
				logger.Info("idle sessions evicted", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule eviction: %w", err)
		}
		scheduler.Start()
		logger.Info("idle eviction scheduled",
			"schedule", cfg.Eviction.Schedule, "max_idle", maxIdle)
	}

	server := gateway.NewServer(cfg.Server, mgr, hub, logger)
	if err := server.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	mgr.Close(ctx)
	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
