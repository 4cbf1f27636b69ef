package protocol

import (
	"errors"
	"testing"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
)

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		Heartbeat{NodeID: 1, Version: ProtocolVersion, DeviceType: DeviceTypeRemoteIO, State: StateRunning, Uptime: 0xDEADBEEF},
		Heartbeat{NodeID: 127, Version: 9, DeviceType: DeviceTypeMock, State: StateFault},
		InputState{NodeID: 5, InputMask: 0xA5, FaultMask: 0x08, Analog: [3]uint16{0, 0x1234, 0xFFFF}},
		OutputCommand{NodeID: 0, Mask: 0xFF},
		OutputCommand{NodeID: 64, Mask: 0x00},
		Command{NodeID: 3, Code: CommandIdentify, Argument: 1500},
		Command{NodeID: 3, Code: CommandCode(0xEE), Argument: 0xFFFFFFFF},
		ClearErrors{NodeID: 42},
	}
	for _, m := range msgs {
		f, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", m, err)
		}
		got, err := Decode(f)
		if err != nil {
			t.Fatalf("Decode(%s): %v", f, err)
		}
		if got != m {
			t.Errorf("round trip: got %#v, want %#v", got, m)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	cases := []struct {
		msg  Message
		want string
	}{
		{Heartbeat{NodeID: 1, Version: 1, DeviceType: 0xC9, State: StateIdle, Uptime: 0x01020304}, "001 [7] 01 C9 01 04 03 02 01"},
		{InputState{NodeID: 2, InputMask: 0x81, FaultMask: 0x02, Analog: [3]uint16{0x0102, 0, 0xFF00}}, "082 [8] 81 02 02 01 00 00 00 FF"},
		{OutputCommand{NodeID: 3, Mask: 0x0F}, "103 [1] 0F"},
		{Command{NodeID: 4, Code: CommandConfigureInputs, Argument: 0xF0}, "184 [5] 03 F0 00 00 00"},
		{ClearErrors{NodeID: 127}, "27F [0]"},
	}
	for _, tc := range cases {
		f, err := Encode(tc.msg)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", tc.msg, err)
		}
		if got := f.String(); got != tc.want {
			t.Errorf("Encode(%T) = %q, want %q", tc.msg, got, tc.want)
		}
	}
}

func TestEncodeInvalidNode(t *testing.T) {
	for _, node := range []NodeID{128, 200, 255} {
		_, err := Encode(OutputCommand{NodeID: node, Mask: 1})
		if !errors.Is(err, ErrInvalidNodeID) {
			t.Errorf("Encode(node %d) error = %v, want ErrInvalidNodeID", node, err)
		}
	}
}

func TestEncodeInvalidState(t *testing.T) {
	for _, st := range []State{StateFault + 1, 9, 255} {
		_, err := Encode(Heartbeat{NodeID: 5, Version: ProtocolVersion, DeviceType: DeviceTypeRemoteIO, State: st})
		if !errors.Is(err, ErrInvalidField) {
			t.Errorf("Encode(state %d) error = %v, want ErrInvalidField", st, err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		frame canbus.Frame
		want  error
	}{
		{"unknown kind", canbus.Frame{ID: 5<<7 | 1}, ErrUnknownKind},
		{"highest kind", canbus.Frame{ID: 0x7FF, Len: 8}, ErrUnknownKind},
		{"heartbeat short", canbus.Frame{ID: 1, Len: 6}, ErrPayloadLength},
		{"output long", canbus.Frame{ID: 2<<7 | 1, Len: 2}, ErrPayloadLength},
		{"clear errors with payload", canbus.Frame{ID: 4<<7 | 1, Len: 1}, ErrPayloadLength},
		{"bad state", canbus.Frame{ID: 1, Len: 7, Data: [8]byte{1, 1, 9}}, ErrInvalidField},
		{"extended", canbus.Frame{ID: 1, Extended: true}, ErrUnsupportedFrame},
		{"rtr", canbus.Frame{ID: 1, RTR: true}, ErrUnsupportedFrame},
		{"id beyond 11 bits", canbus.Frame{ID: 0x800}, ErrInvalidNodeID},
	}
	for _, tc := range cases {
		_, err := Decode(tc.frame)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: Decode error = %v, want %v", tc.name, err, tc.want)
			continue
		}
		var ce *CodecError
		if !errors.As(err, &ce) {
			t.Errorf("%s: error %T is not a *CodecError", tc.name, err)
		} else if ce.FrameID != tc.frame.ID {
			t.Errorf("%s: FrameID = 0x%X, want 0x%X", tc.name, ce.FrameID, tc.frame.ID)
		}
	}
}

func TestSplitID(t *testing.T) {
	id, err := ArbitrationID(KindInputState, 33)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0xA1 {
		t.Fatalf("ArbitrationID = 0x%X, want 0xA1", id)
	}
	kind, node := SplitID(id)
	if kind != KindInputState || node != 33 {
		t.Fatalf("SplitID = %s %d", kind, node)
	}
}

func TestFilters(t *testing.T) {
	hb := MustEncode(Heartbeat{NodeID: 7, State: StateIdle})
	out := MustEncode(OutputCommand{NodeID: 7})
	other := MustEncode(Heartbeat{NodeID: 8, State: StateIdle})

	byNode := ByNode(7)
	if !byNode(hb) || !byNode(out) || byNode(other) {
		t.Error("ByNode(7) mismatch")
	}
	byKind := ByKind(KindHeartbeat)
	if !byKind(hb) || byKind(out) || !byKind(other) {
		t.Error("ByKind(Heartbeat) mismatch")
	}
	ext := hb
	ext.Extended = true
	if byNode(ext) {
		t.Error("ByNode matched an extended frame")
	}
}

func TestSchemaMatchesCodec(t *testing.T) {
	s := Schema()
	if s.Version != ProtocolVersion {
		t.Fatalf("Version = %d", s.Version)
	}
	if len(s.Messages) != 5 {
		t.Fatalf("got %d messages", len(s.Messages))
	}
	for _, m := range s.Messages {
		want, ok := PayloadLen(m.Kind)
		if !ok || want != m.Length {
			t.Errorf("%s: length %d, codec says %d", m.Name, m.Length, want)
		}
		end := 0
		for _, f := range m.Fields {
			if f.Offset != end {
				t.Errorf("%s.%s: offset %d, want %d", m.Name, f.Name, f.Offset, end)
			}
			end = f.Offset + f.Size
		}
		if end != m.Length {
			t.Errorf("%s: fields cover %d bytes, want %d", m.Name, end, m.Length)
		}
	}
}

func TestBits(t *testing.T) {
	m := SetBit(0, 3, true)
	if m != 0x08 || !Bit(m, 3) || Bit(m, 2) {
		t.Fatalf("SetBit = 0x%02X", m)
	}
	if SetBit(m, 3, false) != 0 {
		t.Fatal("clearing bit failed")
	}
	if Bit(0xFF, 8) || Bit(0xFF, -1) {
		t.Fatal("out of range channel reported set")
	}
}

func TestParseCommandCode(t *testing.T) {
	cases := map[string]CommandCode{
		"identify":         CommandIdentify,
		"request_state":    CommandRequestState,
		"configure_inputs": CommandConfigureInputs,
		"2":                CommandRequestState,
		"0x10":             0x10,
	}
	for in, want := range cases {
		got, err := ParseCommandCode(in)
		if err != nil || got != want {
			t.Errorf("ParseCommandCode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseCommandCode("blink"); !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("ParseCommandCode(blink) error = %v", err)
	}
}

func TestEdges(t *testing.T) {
	if e := Edges(0x0F, 0x0F); e != nil {
		t.Fatalf("Edges(no change) = %v", e)
	}
	got := Edges(0b0000_0101, 0b1000_0110)
	want := []Edge{{Channel: 0, Rising: false}, {Channel: 1, Rising: true}, {Channel: 7, Rising: true}}
	if len(got) != len(want) {
		t.Fatalf("Edges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("edge %d = %v, want %v", i, got[i], want[i])
		}
	}
}
