// Package entity defines the synchronizable entity contract and the payload
// variants replicated for audio nodes and players.
package entity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Entity is a live local object whose state is replicated.
type Entity interface {
	ID() string
	Kind() Kind
	// State returns a snapshot of the replicated payload.
	State() State
	// SetState applies a full snapshot without marking the entity modified.
	SetState(State) error
	Modified() bool
	ClearModified()
}

// NewID returns a globally unique entity id.
func NewID() string {
	return uuid.NewString()
}

// Node is the headless live representation of an audio node. Rendering and
// audio collaborators observe it through OnChange.
type Node struct {
	mu       sync.Mutex
	state    NodeState
	modified bool
	onChange func(NodeState)
}

// NewNode constructs a node from its initial payload. A missing id is
// generated.
func NewNode(state NodeState) *Node {
	if state.ID == "" {
		state.ID = NewID()
	}
	return &Node{state: cloneNode(state)}
}

// NodeFromState materializes a node from a replicated state.
func NodeFromState(state State) (Entity, error) {
	if state.Kind != KindNode || state.Node == nil {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindNode, state.Kind)
	}
	return NewNode(*state.Node), nil
}

func (n *Node) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.ID
}

func (n *Node) Kind() Kind {
	return KindNode
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NodeStateOf(n.state)
}

// Snapshot returns a copy of the node payload.
func (n *Node) Snapshot() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cloneNode(n.state)
}

func (n *Node) SetState(state State) error {
	if state.Kind != KindNode || state.Node == nil {
		return fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindNode, state.Kind)
	}
	n.mu.Lock()
	if state.Node.ID != n.state.ID {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s != %s", ErrIDMismatch, state.Node.ID, n.state.ID)
	}
	if state.Node.Type != n.state.Type {
		n.mu.Unlock()
		return fmt.Errorf("%w: node %s type %s != %s", ErrMalformedState, n.state.ID, state.Node.Type, n.state.Type)
	}
	n.state = cloneNode(*state.Node)
	hook := n.onChange
	snapshot := cloneNode(n.state)
	n.mu.Unlock()
	if hook != nil {
		hook(snapshot)
	}
	return nil
}

func (n *Node) Modified() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.modified
}

func (n *Node) ClearModified() {
	n.mu.Lock()
	n.modified = false
	n.mu.Unlock()
}

// OnChange registers a callback for remotely applied states.
func (n *Node) OnChange(fn func(NodeState)) {
	n.mu.Lock()
	n.onChange = fn
	n.mu.Unlock()
}

// Move sets the node position.
func (n *Node) Move(position Vector3) {
	n.mutate(func(s *NodeState) { s.Position = position })
}

// Rotate sets the node rotation.
func (n *Node) Rotate(rotation Vector3) {
	n.mutate(func(s *NodeState) { s.Rotation = rotation })
}

// SetParameter sets one audio parameter value.
func (n *Node) SetParameter(name string, value float64) {
	n.mutate(func(s *NodeState) {
		if s.Parameters == nil {
			s.Parameters = make(map[string]float64)
		}
		s.Parameters[name] = value
	})
}

// ConnectInput records an incoming connection from another node.
func (n *Node) ConnectInput(id string) {
	n.mutate(func(s *NodeState) {
		for _, existing := range s.InputNodes {
			if existing == id {
				return
			}
		}
		s.InputNodes = append(s.InputNodes, id)
	})
}

func (n *Node) mutate(fn func(*NodeState)) {
	n.mu.Lock()
	fn(&n.state)
	n.modified = true
	n.mu.Unlock()
}

// Player is the headless live representation of a participant avatar.
type Player struct {
	mu       sync.Mutex
	state    PlayerState
	modified bool
	onChange func(PlayerState)
}

// NewPlayer constructs a player avatar.
func NewPlayer(state PlayerState) *Player {
	return &Player{state: state}
}

// PlayerFromState materializes a player from a replicated state.
func PlayerFromState(state State) (Entity, error) {
	if state.Kind != KindPlayer || state.Player == nil {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindPlayer, state.Kind)
	}
	return NewPlayer(*state.Player), nil
}

func (p *Player) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.ID
}

func (p *Player) Kind() Kind {
	return KindPlayer
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerStateOf(p.state)
}

// Snapshot returns a copy of the player payload.
func (p *Player) Snapshot() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) SetState(state State) error {
	if state.Kind != KindPlayer || state.Player == nil {
		return fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindPlayer, state.Kind)
	}
	p.mu.Lock()
	if state.Player.ID != p.state.ID {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s != %s", ErrIDMismatch, state.Player.ID, p.state.ID)
	}
	p.state = *state.Player
	hook := p.onChange
	snapshot := p.state
	p.mu.Unlock()
	if hook != nil {
		hook(snapshot)
	}
	return nil
}

func (p *Player) Modified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modified
}

func (p *Player) ClearModified() {
	p.mu.Lock()
	p.modified = false
	p.mu.Unlock()
}

// OnChange registers a callback for remotely applied states.
func (p *Player) OnChange(fn func(PlayerState)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Move sets the avatar position and facing direction.
func (p *Player) Move(position, direction Vector3) {
	p.mu.Lock()
	p.state.Position = position
	p.state.Direction = direction
	p.modified = true
	p.mu.Unlock()
}

// SetHands sets the tracked controller positions.
func (p *Player) SetHands(left, right Vector3) {
	p.mu.Lock()
	p.state.LeftHandPosition = left
	p.state.RightHandPosition = right
	p.modified = true
	p.mu.Unlock()
}
