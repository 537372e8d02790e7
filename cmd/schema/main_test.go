package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCommandWritesEverySchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "schemas")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--out", dir})
	require.NoError(t, cmd.Execute())

	for _, name := range []string{"frame", "node-state", "player-state"} {
		path := filepath.Join(dir, name+".schema.json")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc), "%s is not valid json", path)
		assert.NoFileExists(t, path+".tmp", "temp file left behind for %s", name)
		assert.Contains(t, out.String(), path)
	}
}

func TestSchemaCommandRequiresOut(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}

func TestBuildSchemasTitles(t *testing.T) {
	schemas := buildSchemas()
	assert.Equal(t, "Audio Node State", schemas["node-state"].Title)
	assert.Equal(t, "Relay Frame", schemas["frame"].Title)
}
