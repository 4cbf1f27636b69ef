package protocol

// Field describes one payload field.
type Field struct {
	Name        string `json:"name" yaml:"name"`
	Offset      int    `json:"offset" yaml:"offset"` // byte offset in the payload
	Size        int    `json:"size" yaml:"size"`     // bytes
	Signed      bool   `json:"signed" yaml:"signed"`
	Unit        string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Description string `json:"description" yaml:"description"`
}

// MessageSchema describes the frame layout of one kind.
type MessageSchema struct {
	Name   string  `json:"name" yaml:"name"`
	Kind   Kind    `json:"kind" yaml:"kind"`
	Length int     `json:"length" yaml:"length"`
	Sender string  `json:"sender" yaml:"sender"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// ProtocolSchema is the metadata an external tool needs to describe the
// protocol (for example as a DBC file).
type ProtocolSchema struct {
	Version   uint8            `json:"protocol_version" yaml:"protocol_version"`
	ByteOrder string           `json:"byte_order" yaml:"byte_order"`
	IDLayout  string           `json:"id_layout" yaml:"id_layout"`
	KindShift int              `json:"kind_shift" yaml:"kind_shift"`
	NodeBits  int              `json:"node_bits" yaml:"node_bits"`
	MaxNodeID NodeID           `json:"max_node_id" yaml:"max_node_id"`
	States    map[uint8]string `json:"states" yaml:"states"`
	Commands  map[uint8]string `json:"commands" yaml:"commands"`
	Messages  []MessageSchema  `json:"messages" yaml:"messages"`
}

// Schema returns the protocol metadata. The result is freshly allocated.
func Schema() ProtocolSchema {
	s := ProtocolSchema{
		Version:   ProtocolVersion,
		ByteOrder: "little_endian",
		IDLayout:  "kind<<7 | node_id",
		KindShift: kindShift,
		NodeBits:  7,
		MaxNodeID: MaxNodeID,
		States:    map[uint8]string{},
		Commands:  map[uint8]string{},
	}
	for st := StateBooting; st <= StateFault; st++ {
		s.States[uint8(st)] = st.String()
	}
	for c := CommandIdentify; c <= CommandConfigureInputs; c++ {
		s.Commands[uint8(c)] = c.String()
	}

	s.Messages = []MessageSchema{
		{
			Name: KindHeartbeat.String(), Kind: KindHeartbeat, Length: HeartbeatLen, Sender: "node",
			Fields: []Field{
				{Name: "protocol_version", Offset: 0, Size: 1, Description: "protocol layout version"},
				{Name: "device_type", Offset: 1, Size: 1, Description: "0x01 remote io, 0xC9 mock"},
				{Name: "state", Offset: 2, Size: 1, Description: "node state enum"},
				{Name: "uptime", Offset: 3, Size: 4, Unit: "s", Description: "seconds since boot"},
			},
		},
		{
			Name: KindInputState.String(), Kind: KindInputState, Length: InputStateLen, Sender: "node",
			Fields: []Field{
				{Name: "input_mask", Offset: 0, Size: 1, Description: "sampled line level per channel"},
				{Name: "fault_mask", Offset: 1, Size: 1, Description: "latched fault per channel"},
				{Name: "analog_0", Offset: 2, Size: 2, Unit: "raw", Description: "analog reading 0"},
				{Name: "analog_1", Offset: 4, Size: 2, Unit: "raw", Description: "analog reading 1"},
				{Name: "analog_2", Offset: 6, Size: 2, Unit: "raw", Description: "analog reading 2"},
			},
		},
		{
			Name: KindOutputCommand.String(), Kind: KindOutputCommand, Length: OutputCommandLen, Sender: "host",
			Fields: []Field{
				{Name: "output_mask", Offset: 0, Size: 1, Description: "requested output level per channel"},
			},
		},
		{
			Name: KindGenericCommand.String(), Kind: KindGenericCommand, Length: GenericCommandLen, Sender: "host",
			Fields: []Field{
				{Name: "command_code", Offset: 0, Size: 1, Description: "command selector"},
				{Name: "argument", Offset: 1, Size: 4, Description: "command argument"},
			},
		},
		{
			Name: KindClearErrors.String(), Kind: KindClearErrors, Length: ClearErrorsLen, Sender: "host",
			Fields: []Field{},
		},
	}
	return s
}
