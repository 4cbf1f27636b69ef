// Package protocol implements the remote I/O CAN protocol: typed messages,
// their fixed frame layouts and the metadata describing them.
//
// Arbitration ID (11-bit standard frame):
//
//	bits 10..7  message kind (0-15)
//	bits  6..0  node id (0-127, 0 reserved for broadcast)
//
// All multi-byte payload fields are little-endian.
package protocol

import "fmt"

// ProtocolVersion is sent in every heartbeat. Layout changes bump it.
const ProtocolVersion uint8 = 1

// Device types reported in the heartbeat.
const (
	DeviceTypeRemoteIO uint8 = 0x01
	DeviceTypeMock     uint8 = 0xC9
)

// NodeID is the bus address of a node.
type NodeID uint8

const (
	BroadcastNode NodeID = 0
	MaxNodeID     NodeID = 0x7F
)

// Valid reports whether id fits the 7-bit node field.
func (id NodeID) Valid() bool { return id <= MaxNodeID }

func (id NodeID) String() string { return fmt.Sprintf("node/%d", uint8(id)) }

// Kind discriminates payload layouts.
type Kind uint8

const (
	KindHeartbeat Kind = iota
	KindInputState
	KindOutputCommand
	KindGenericCommand
	KindClearErrors
)

const (
	kindShift = 7
	nodeMask  = 0x7F
	kindMask  = 0x0F
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "Heartbeat"
	case KindInputState:
		return "InputState"
	case KindOutputCommand:
		return "OutputCommand"
	case KindGenericCommand:
		return "GenericCommand"
	case KindClearErrors:
		return "ClearErrors"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Known reports whether k is part of this protocol version.
func (k Kind) Known() bool { return k <= KindClearErrors }

// ArbitrationID builds the 11-bit identifier for kind and node.
func ArbitrationID(kind Kind, node NodeID) (uint32, error) {
	if !node.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidNodeID, node)
	}
	if uint8(kind) > kindMask {
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	return uint32(kind)<<kindShift | uint32(node), nil
}

// SplitID extracts kind and node from an 11-bit identifier.
func SplitID(id uint32) (Kind, NodeID) {
	return Kind((id >> kindShift) & kindMask), NodeID(id & nodeMask)
}
