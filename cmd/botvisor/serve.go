package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/botvisor/botvisor"
	"github.com/botvisor/botvisor/internal/config"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	var envFile, pidFile string
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the botvisor daemon",
		Long: `Start the daemon: connect to the broker, the container runtime and the
store, then serve the HTTP API until interrupted.

A .env file is loaded into the environment first, so BOTVISOR_* overrides
can live there.

Examples:
  botvisor serve                     # defaults plus BOTVISOR_* environment
  botvisor serve botvisor.toml
  botvisor serve --config=botvisor.toml --env-file=prod.env`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := botvisor.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if pidFile != "" {
				if err := writePidFile(pidFile, os.Getpid()); err != nil {
					return err
				}
				defer func() { _ = removePidFile(pidFile) }()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().StringVar(&pidFile, "pidfile", "", "write the daemon PID to this file")
	return cmd
}

// runServe blocks until ctx is cancelled, then shuts the daemon down within
// server.shutdown_timeout.
func runServe(ctx context.Context, cfg *botvisor.Config, opts ...botvisor.Option) error {
	d, err := botvisor.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	if err := d.Serve(); err != nil {
		_ = d.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return d.Shutdown(sctx)
}
