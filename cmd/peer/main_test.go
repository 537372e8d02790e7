package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/internal/config"
)

func TestPeerFlagsOverrideEnv(t *testing.T) {
	t.Setenv("MULTIVERSE_ROOM", "from-env")
	t.Setenv("MULTIVERSE_PARTICIPANT_ID", "alice")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--room", "studio", "--scene", "scene.yaml"}))

	env, err := config.LoadPeer()
	require.NoError(t, err)

	var flags config.PeerConfig
	flags.Room, _ = cmd.Flags().GetString("room")
	flags.Scene, _ = cmd.Flags().GetString("scene")

	cfg := applyPeerFlags(cmd, env, flags)
	assert.Equal(t, "studio", cfg.Room)
	assert.Equal(t, "scene.yaml", cfg.Scene)
	assert.Equal(t, "alice", cfg.ParticipantID)
	assert.Equal(t, "ws://localhost:4444/ws", cfg.ServerURL)
}
