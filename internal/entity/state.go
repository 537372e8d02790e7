package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedState marks a payload that cannot be decoded into a state.
	ErrMalformedState = errors.New("entity: malformed state")
	// ErrKindMismatch marks a state applied to an entity of another kind.
	ErrKindMismatch = errors.New("entity: kind mismatch")
	// ErrIDMismatch marks a state applied to an entity with another id.
	ErrIDMismatch = errors.New("entity: id mismatch")
	// ErrUnknownKind marks a kind without a payload variant.
	ErrUnknownKind = errors.New("entity: unknown kind")
)

// Kind classifies a synchronizable entity and selects its payload variant.
type Kind string

const (
	KindNode   Kind = "node"
	KindPlayer Kind = "player"
)

// Vector3 is a position, direction, or euler rotation.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NodeState is the replicated payload of an audio node.
type NodeState struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Name       string             `json:"name,omitempty"`
	ConfigFile string             `json:"configFile,omitempty"`
	Position   Vector3            `json:"position"`
	Rotation   Vector3            `json:"rotation"`
	InputNodes []string           `json:"inputNodes,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// PlayerState is the replicated payload of a participant avatar.
type PlayerState struct {
	ID                string  `json:"id"`
	Position          Vector3 `json:"position"`
	Direction         Vector3 `json:"direction"`
	LeftHandPosition  Vector3 `json:"leftHandPosition"`
	RightHandPosition Vector3 `json:"rightHandPosition"`
}

// State is a tagged union over the payload variants. Exactly one of Node or
// Player is set, matching Kind.
type State struct {
	Kind   Kind
	Node   *NodeState
	Player *PlayerState
}

// NodeStateOf wraps a node payload.
func NodeStateOf(node NodeState) State {
	cloned := cloneNode(node)
	return State{Kind: KindNode, Node: &cloned}
}

// PlayerStateOf wraps a player payload.
func PlayerStateOf(player PlayerState) State {
	cloned := player
	return State{Kind: KindPlayer, Player: &cloned}
}

// ID returns the entity id carried by the payload.
func (s State) ID() string {
	switch s.Kind {
	case KindNode:
		if s.Node != nil {
			return s.Node.ID
		}
	case KindPlayer:
		if s.Player != nil {
			return s.Player.ID
		}
	}
	return ""
}

// Validate checks that the variant matches the kind and carries an id.
func (s State) Validate() error {
	switch s.Kind {
	case KindNode:
		if s.Node == nil {
			return fmt.Errorf("%w: node payload missing", ErrMalformedState)
		}
		if s.Node.ID == "" {
			return fmt.Errorf("%w: node id missing", ErrMalformedState)
		}
		if s.Node.Type == "" {
			return fmt.Errorf("%w: node %s type missing", ErrMalformedState, s.Node.ID)
		}
	case KindPlayer:
		if s.Player == nil {
			return fmt.Errorf("%w: player payload missing", ErrMalformedState)
		}
		if s.Player.ID == "" {
			return fmt.Errorf("%w: player id missing", ErrMalformedState)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	return nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	switch s.Kind {
	case KindNode:
		if s.Node != nil {
			return NodeStateOf(*s.Node)
		}
	case KindPlayer:
		if s.Player != nil {
			return PlayerStateOf(*s.Player)
		}
	}
	return State{Kind: s.Kind}
}

// Equal reports structural equality by comparing wire encodings.
func (s State) Equal(other State) bool {
	if s.Kind != other.Kind {
		return false
	}
	a, errA := Encode(s)
	b, errB := Encode(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Encode renders the variant payload. Map keys are emitted in sorted order so
// equal states always produce identical bytes.
func Encode(s State) (json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindNode:
		return json.Marshal(s.Node)
	case KindPlayer:
		return json.Marshal(s.Player)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
}

// Decode parses a payload of the given kind.
func Decode(kind Kind, raw json.RawMessage) (State, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return State{}, fmt.Errorf("%w: empty payload", ErrMalformedState)
	}
	var state State
	switch kind {
	case KindNode:
		var node NodeState
		if err := json.Unmarshal(trimmed, &node); err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
		}
		state = State{Kind: KindNode, Node: &node}
	case KindPlayer:
		var player PlayerState
		if err := json.Unmarshal(trimmed, &player); err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
		}
		state = State{Kind: KindPlayer, Player: &player}
	default:
		return State{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

func cloneNode(node NodeState) NodeState {
	if node.InputNodes != nil {
		node.InputNodes = append([]string(nil), node.InputNodes...)
	}
	if node.Parameters != nil {
		params := make(map[string]float64, len(node.Parameters))
		for k, v := range node.Parameters {
			params[k] = v
		}
		node.Parameters = params
	}
	return node
}
