package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"musical-multiverse/network/internal/app"
	"musical-multiverse/network/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var flags config.RelayConfig

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Relay replicated room state between participants",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}
			cfg = applyRelayFlags(cmd, cfg, flags)
			return app.RunRelay(cmd.Context(), cfg, app.Options{Stdout: cmd.OutOrStdout()})
		},
	}

	defaults := config.DefaultRelayConfig()
	f := cmd.Flags()
	f.StringVar(&flags.Addr, "addr", defaults.Addr, "listen address (MULTIVERSE_ADDR)")
	f.StringVar(&flags.DBPath, "db", "", "sqlite database for room persistence (MULTIVERSE_DB_PATH)")
	f.StringVar(&flags.LogLevel, "log-level", defaults.LogLevel, "log level (MULTIVERSE_LOG_LEVEL)")
	f.StringVar(&flags.LogJSONPath, "log-json", "", "append structured events to this file (MULTIVERSE_LOG_JSON_PATH)")
	f.IntVar(&flags.TickRate, "tick-rate", defaults.TickRate, "advertised tick rate in Hz (MULTIVERSE_TICK_RATE)")
	f.DurationVar(&flags.HeartbeatInterval, "heartbeat", defaults.HeartbeatInterval, "expected client heartbeat interval (MULTIVERSE_HEARTBEAT_INTERVAL)")
	f.IntVar(&flags.Backlog, "backlog", defaults.Backlog, "frames queued per connection (MULTIVERSE_BACKLOG)")
	f.StringSliceVar(&flags.AllowedOrigins, "allowed-origin", nil, "allowed websocket origins (MULTIVERSE_ALLOWED_ORIGINS)")
	f.BoolVar(&flags.EnablePprof, "pprof", false, "serve /debug/pprof (MULTIVERSE_ENABLE_PPROF)")
	return cmd
}

// applyRelayFlags overrides cfg with every flag set on the command line.
func applyRelayFlags(cmd *cobra.Command, cfg, flags config.RelayConfig) config.RelayConfig {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = flags.Addr
	}
	if changed("db") {
		cfg.DBPath = flags.DBPath
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-json") {
		cfg.LogJSONPath = flags.LogJSONPath
	}
	if changed("tick-rate") {
		cfg.TickRate = flags.TickRate
	}
	if changed("heartbeat") {
		cfg.HeartbeatInterval = flags.HeartbeatInterval
	}
	if changed("backlog") {
		cfg.Backlog = flags.Backlog
	}
	if changed("allowed-origin") {
		cfg.AllowedOrigins = flags.AllowedOrigins
	}
	if changed("pprof") {
		cfg.EnablePprof = flags.EnablePprof
	}
	return cfg
}
