package protocol

// Message is one decoded protocol message.
type Message interface {
	Kind() Kind
	Node() NodeID
}

// Heartbeat is the periodic liveness beacon of a node.
type Heartbeat struct {
	NodeID     NodeID `json:"node_id"`
	Version    uint8  `json:"protocol_version"`
	DeviceType uint8  `json:"device_type"`
	State      State  `json:"state"`
	Uptime     uint32 `json:"uptime_seconds"`
}

// InputState reports the sampled line levels, latched faults and analog
// readings of a node.
type InputState struct {
	NodeID    NodeID    `json:"node_id"`
	InputMask uint8     `json:"input_mask"`
	FaultMask uint8     `json:"fault_mask"`
	Analog    [3]uint16 `json:"analog"`
}

// OutputCommand requests the given output levels.
type OutputCommand struct {
	NodeID NodeID `json:"node_id"`
	Mask   uint8  `json:"output_mask"`
}

// Command is a GenericCommand frame.
type Command struct {
	NodeID   NodeID      `json:"node_id"`
	Code     CommandCode `json:"command_code"`
	Argument uint32      `json:"argument"`
}

// ClearErrors resets latched faults of a node in Fault state.
type ClearErrors struct {
	NodeID NodeID `json:"node_id"`
}

func (Heartbeat) Kind() Kind     { return KindHeartbeat }
func (InputState) Kind() Kind    { return KindInputState }
func (OutputCommand) Kind() Kind { return KindOutputCommand }
func (Command) Kind() Kind       { return KindGenericCommand }
func (ClearErrors) Kind() Kind   { return KindClearErrors }

func (m Heartbeat) Node() NodeID     { return m.NodeID }
func (m InputState) Node() NodeID    { return m.NodeID }
func (m OutputCommand) Node() NodeID { return m.NodeID }
func (m Command) Node() NodeID       { return m.NodeID }
func (m ClearErrors) Node() NodeID   { return m.NodeID }

// IOState is the full I/O snapshot of a node. Only InputMask, FaultMask and
// Analog travel on the wire; OutputMask is known to the node and, on the
// host, is the last requested mask.
type IOState struct {
	OutputMask uint8     `json:"output_mask"`
	InputMask  uint8     `json:"input_mask"`
	FaultMask  uint8     `json:"fault_mask"`
	Analog     [3]uint16 `json:"analog"`
}

// Channels is the number of digital channels per node.
const Channels = 8

// Bit returns the level of channel ch in mask.
func Bit(mask uint8, ch int) bool {
	if ch < 0 || ch >= Channels {
		return false
	}
	return mask&(1<<uint(ch)) != 0
}

// SetBit returns mask with channel ch set to level.
func SetBit(mask uint8, ch int, level bool) uint8 {
	if ch < 0 || ch >= Channels {
		return mask
	}
	if level {
		return mask | 1<<uint(ch)
	}
	return mask &^ (1 << uint(ch))
}
