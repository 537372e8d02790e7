package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"musical-multiverse/network/internal/replica"
)

const (
	// Version tracks the wire-protocol revision spoken by peers and relay.
	Version = 1
)

// Message type identifiers.
const (
	// TypeHello is the first frame a peer sends after connecting.
	TypeHello = "hello"
	// TypeSnapshot carries the room's full replicated state to a joiner.
	TypeSnapshot = "snapshot"
	// TypeUpdate carries one batch of replica entries in either direction.
	TypeUpdate = "update"
	// TypeHeartbeat keeps the link alive and measures round trips.
	TypeHeartbeat = "heartbeat"
	// TypeError reports a protocol violation before the relay closes.
	TypeError = "error"
)

var (
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
	ErrMissingType        = errors.New("proto: message type is required")
)

// Message is the envelope for every websocket frame. Only the fields
// relevant to Type are populated.
type Message struct {
	Ver         int             `json:"ver"`
	Type        string          `json:"type"`
	Room        string          `json:"room,omitempty"`
	Participant string          `json:"participant,omitempty"`
	Update      *replica.Update `json:"update,omitempty"`
	SentAt      int64           `json:"sentAt,omitempty"`
	ServerTime  int64           `json:"serverTime,omitempty"`
	RTTMillis   int64           `json:"rtt,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Decode converts a raw websocket payload into a Message. A missing
// version is read as the current one.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.Ver)
	}
	if msg.Type == "" {
		return msg, ErrMissingType
	}
	return msg, nil
}

// Encode stamps the protocol version and renders msg.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// Hello announces which room a participant wants to join.
type Hello struct {
	Room        string
	Participant string
}

func EncodeHello(msg Hello) ([]byte, error) {
	return Encode(Message{Type: TypeHello, Room: msg.Room, Participant: msg.Participant})
}

// EncodeSnapshot renders the late-join state transfer.
func EncodeSnapshot(room string, state replica.Update) ([]byte, error) {
	return Encode(Message{Type: TypeSnapshot, Room: room, Update: &state})
}

// EncodeUpdate renders one outbound batch.
func EncodeUpdate(update replica.Update) ([]byte, error) {
	return Encode(Message{Type: TypeUpdate, Update: &update})
}

// Heartbeat echoes timing metadata between peer and relay.
type Heartbeat struct {
	SentAt     int64
	ServerTime int64
	RTTMillis  int64
}

func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	return Encode(Message{
		Type:       TypeHeartbeat,
		SentAt:     msg.SentAt,
		ServerTime: msg.ServerTime,
		RTTMillis:  msg.RTTMillis,
	})
}

func EncodeError(reason string) ([]byte, error) {
	return Encode(Message{Type: TypeError, Reason: reason})
}
