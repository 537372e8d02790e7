// Command peer joins a relay room as a headless participant, optionally
// seeding it with the nodes of a scene file.
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
	var flags config.PeerConfig

	cmd := &cobra.Command{
		Use:          "peer",
		Short:        "Join a room as a headless participant",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPeer()
			if err != nil {
				return err
			}
			cfg = applyPeerFlags(cmd, cfg, flags)
			return app.RunPeer(cmd.Context(), cfg, app.Options{Stdout: cmd.OutOrStdout()})
		},
	}

	defaults := config.DefaultPeerConfig()
	f := cmd.Flags()
	f.StringVar(&flags.ServerURL, "url", defaults.ServerURL, "relay websocket url (MULTIVERSE_SERVER_URL)")
	f.StringVar(&flags.Room, "room", defaults.Room, "room to join (MULTIVERSE_ROOM)")
	f.StringVar(&flags.ParticipantID, "participant", "", "participant id, generated when empty (MULTIVERSE_PARTICIPANT_ID)")
	f.IntVar(&flags.TickRate, "tick-rate", defaults.TickRate, "synchronization rate in Hz (MULTIVERSE_TICK_RATE)")
	f.StringVar(&flags.Scene, "scene", "", "yaml scene whose nodes are created after joining (MULTIVERSE_SCENE)")
	f.StringVar(&flags.LogLevel, "log-level", defaults.LogLevel, "log level (MULTIVERSE_LOG_LEVEL)")
	f.StringVar(&flags.LogJSONPath, "log-json", "", "append structured events to this file (MULTIVERSE_LOG_JSON_PATH)")
	return cmd
}

func applyPeerFlags(cmd *cobra.Command, cfg, flags config.PeerConfig) config.PeerConfig {
	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.ServerURL = flags.ServerURL
	}
	if changed("room") {
		cfg.Room = flags.Room
	}
	if changed("participant") {
		cfg.ParticipantID = flags.ParticipantID
	}
	if changed("tick-rate") {
		cfg.TickRate = flags.TickRate
	}
	if changed("scene") {
		cfg.Scene = flags.Scene
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-json") {
		cfg.LogJSONPath = flags.LogJSONPath
	}
	return cfg
}
