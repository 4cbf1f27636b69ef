package websocket

import (
	"encoding/json"
	"time"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Node events, same names as host.EventType
	MessageTypeHeartbeat  MessageType = MessageType(host.EventHeartbeat)
	MessageTypeInputState MessageType = MessageType(host.EventInputState)
	MessageTypeEdge       MessageType = MessageType(host.EventEdge)
	MessageTypeMismatch   MessageType = MessageType(host.EventMismatch)
	MessageTypeNodeDead   MessageType = MessageType(host.EventDead)

	// Raw bus traffic
	MessageTypeFrame MessageType = "frame"

	// Connection control
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Node      int         `json:"node_id"`
	Data      interface{} `json:"data,omitempty"`
}

// FrameData is a raw frame as seen on the bus.
type FrameData struct {
	Frame   string          `json:"frame"` // cansend notation
	Kind    string          `json:"kind"`
	Decoded json.RawMessage `json:"decoded,omitempty"` // message JSON of Kind
	Error   string          `json:"error,omitempty"`
}

// ClientMessage is what clients may send: {"type":"subscribe","node":4}
// and {"type":"frames","enabled":true}.
type ClientMessage struct {
	Type    string `json:"type"`
	Node    *int   `json:"node,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, node int, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Node:      node,
		Data:      data,
	}
}

func NewEventMessage(ev *host.Event) Message {
	return Message{
		Type:      MessageType(ev.Type),
		Timestamp: ev.Time,
		Node:      int(ev.Node),
		Data:      ev,
	}
}

func NewFrameMessage(f canbus.Frame) Message {
	kind, node := protocol.SplitID(f.ID)
	text, _ := f.MarshalText()
	data := FrameData{Frame: string(text), Kind: kind.String()}
	msg, err := protocol.Decode(f)
	if err == nil {
		data.Decoded, err = json.Marshal(msg)
	}
	if err != nil {
		data.Error = err.Error()
	}
	return NewMessage(MessageTypeFrame, int(node), data)
}
