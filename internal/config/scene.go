package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"musical-multiverse/network/internal/entity"
)

var ErrDuplicateNode = errors.New("config: duplicate node id in scene")

// Scene lists the nodes a headless peer creates after joining its room.
type Scene struct {
	Nodes []SceneNode `yaml:"nodes"`
}

type SceneNode struct {
	ID         string             `yaml:"id"`
	Type       string             `yaml:"type"`
	Name       string             `yaml:"name,omitempty"`
	ConfigFile string             `yaml:"configFile,omitempty"`
	Position   Vector             `yaml:"position"`
	Rotation   Vector             `yaml:"rotation"`
	Parameters map[string]float64 `yaml:"parameters,omitempty"`
	Inputs     []string           `yaml:"inputs,omitempty"`
}

type Vector struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// LoadScene reads and validates a scene file.
func LoadScene(path string) (Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scene{}, fmt.Errorf("read scene %s: %w", path, err)
	}
	scene, err := ParseScene(bytes.NewReader(data))
	if err != nil {
		return Scene{}, fmt.Errorf("scene %s: %w", path, err)
	}
	return scene, nil
}

// ParseScene decodes a scene document. Unknown fields are rejected.
func ParseScene(r io.Reader) (Scene, error) {
	var scene Scene
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&scene); err != nil && !errors.Is(err, io.EOF) {
		return Scene{}, fmt.Errorf("decode scene: %w", err)
	}
	return scene, scene.Validate()
}

// Validate checks every node payload and rejects repeated explicit ids.
// Nodes without an id receive one when materialized.
func (s Scene) Validate() error {
	seen := make(map[string]struct{}, len(s.Nodes))
	for i, node := range s.Nodes {
		if node.Type == "" {
			return fmt.Errorf("node %d: %w: type is required", i, entity.ErrMalformedState)
		}
		if node.ID == "" {
			continue
		}
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
		}
		seen[node.ID] = struct{}{}
	}
	return nil
}

// NodeStates converts the scene into node payloads, generating missing ids.
func (s Scene) NodeStates() []entity.NodeState {
	out := make([]entity.NodeState, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		id := node.ID
		if id == "" {
			id = entity.NewID()
		}
		out = append(out, entity.NodeState{
			ID:         id,
			Type:       node.Type,
			Name:       node.Name,
			ConfigFile: node.ConfigFile,
			Position:   entity.Vector3(node.Position),
			Rotation:   entity.Vector3(node.Rotation),
			InputNodes: append([]string(nil), node.Inputs...),
			Parameters: cloneParameters(node.Parameters),
		})
	}
	return out
}

func cloneParameters(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
