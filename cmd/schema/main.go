// Command schema writes JSON schemas for the replicated entity payloads and
// the relay wire frames, for clients implemented outside this module.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"musical-multiverse/network/internal/entity"
	"musical-multiverse/network/internal/net/proto"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:          "schema",
		Short:        "Generate JSON schemas for replicated state and wire frames",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				return fmt.Errorf("--out is required")
			}
			schemas := buildSchemas()
			names := make([]string, 0, len(schemas))
			for name := range schemas {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				path := filepath.Join(outDir, name+".schema.json")
				if err := writeSchema(path, schemas[name]); err != nil {
					return fmt.Errorf("failed to write schema %s: %w", name, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write the JSON schemas into")
	return cmd
}

func buildSchemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}

	node := reflector.Reflect(new(entity.NodeState))
	node.Title = "Audio Node State"
	node.Description = "Value stored under a node id in the audioNodes3D map"

	player := reflector.Reflect(new(entity.PlayerState))
	player.Title = "Player State"
	player.Description = "Value stored under a participant id in the players map"

	frame := reflector.Reflect(new(proto.Message))
	frame.Title = "Relay Frame"
	frame.Description = fmt.Sprintf("Websocket frame envelope, protocol version %d", proto.Version)

	return map[string]*jsonschema.Schema{
		"node-state":   node,
		"player-state": player,
		"frame":        frame,
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
