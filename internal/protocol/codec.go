package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
)

// Fixed payload lengths per kind.
const (
	HeartbeatLen      = 7
	InputStateLen     = 8
	OutputCommandLen  = 1
	GenericCommandLen = 5
	ClearErrorsLen    = 0
)

// PayloadLen returns the fixed payload length of a known kind.
func PayloadLen(k Kind) (int, bool) {
	switch k {
	case KindHeartbeat:
		return HeartbeatLen, true
	case KindInputState:
		return InputStateLen, true
	case KindOutputCommand:
		return OutputCommandLen, true
	case KindGenericCommand:
		return GenericCommandLen, true
	case KindClearErrors:
		return ClearErrorsLen, true
	default:
		return 0, false
	}
}

// Encode builds the CAN frame for m.
func Encode(m Message) (canbus.Frame, error) {
	if m == nil {
		return canbus.Frame{}, fmt.Errorf("encode: %w: nil message", ErrUnknownKind)
	}
	id, err := ArbitrationID(m.Kind(), m.Node())
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}

	f := canbus.Frame{ID: id}
	d := f.Data[:]
	switch msg := m.(type) {
	case Heartbeat:
		if !msg.State.Valid() {
			return canbus.Frame{}, fmt.Errorf("encode %s: %w: state %d", m.Kind(), ErrInvalidField, uint8(msg.State))
		}
		d[0] = msg.Version
		d[1] = msg.DeviceType
		d[2] = uint8(msg.State)
		binary.LittleEndian.PutUint32(d[3:7], msg.Uptime)
		f.Len = HeartbeatLen
	case InputState:
		d[0] = msg.InputMask
		d[1] = msg.FaultMask
		for i, v := range msg.Analog {
			binary.LittleEndian.PutUint16(d[2+2*i:], v)
		}
		f.Len = InputStateLen
	case OutputCommand:
		d[0] = msg.Mask
		f.Len = OutputCommandLen
	case Command:
		d[0] = uint8(msg.Code)
		binary.LittleEndian.PutUint32(d[1:5], msg.Argument)
		f.Len = GenericCommandLen
	case ClearErrors:
		f.Len = ClearErrorsLen
	default:
		return canbus.Frame{}, fmt.Errorf("encode %T: %w", m, ErrUnknownKind)
	}
	return f, nil
}

// MustEncode is Encode for messages known to be valid.
func MustEncode(m Message) canbus.Frame {
	f, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode parses a frame into its typed message. Errors are *CodecError.
func Decode(f canbus.Frame) (Message, error) {
	if f.Extended || f.RTR {
		return nil, codecErr(f.ID, ErrUnsupportedFrame, "extended=%t rtr=%t", f.Extended, f.RTR)
	}
	if f.ID > canbus.MaxStandardID {
		return nil, codecErr(f.ID, ErrInvalidNodeID, "identifier exceeds 11 bits")
	}
	kind, node := SplitID(f.ID)
	if !node.Valid() {
		return nil, codecErr(f.ID, ErrInvalidNodeID, "node %d", node)
	}
	want, ok := PayloadLen(kind)
	if !ok {
		return nil, codecErr(f.ID, ErrUnknownKind, "kind %d", kind)
	}
	if int(f.Len) != want {
		return nil, codecErr(f.ID, ErrPayloadLength, "%s wants %d bytes, got %d", kind, want, f.Len)
	}

	d := f.Data[:]
	switch kind {
	case KindHeartbeat:
		st := State(d[2])
		if !st.Valid() {
			return nil, codecErr(f.ID, ErrInvalidField, "state %d", d[2])
		}
		return Heartbeat{
			NodeID:     node,
			Version:    d[0],
			DeviceType: d[1],
			State:      st,
			Uptime:     binary.LittleEndian.Uint32(d[3:7]),
		}, nil
	case KindInputState:
		m := InputState{NodeID: node, InputMask: d[0], FaultMask: d[1]}
		for i := range m.Analog {
			m.Analog[i] = binary.LittleEndian.Uint16(d[2+2*i:])
		}
		return m, nil
	case KindOutputCommand:
		return OutputCommand{NodeID: node, Mask: d[0]}, nil
	case KindGenericCommand:
		return Command{
			NodeID:   node,
			Code:     CommandCode(d[0]),
			Argument: binary.LittleEndian.Uint32(d[1:5]),
		}, nil
	default:
		return ClearErrors{NodeID: node}, nil
	}
}

// ByNode matches standard data frames addressed to or sent by node.
func ByNode(node NodeID) canbus.FrameFilter {
	return canbus.And(canbus.StandardData(), canbus.ByMask(uint32(node), nodeMask))
}

// ByKind matches standard data frames of one kind.
func ByKind(kind Kind) canbus.FrameFilter {
	return canbus.And(canbus.StandardData(), canbus.ByMask(uint32(kind)<<kindShift, kindMask<<kindShift))
}
