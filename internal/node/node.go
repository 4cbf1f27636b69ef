// Package node implements the remote I/O node: its state machine, the I/O
// driver boundary and the tick loop that puts it on the bus. The same code
// runs on hardware drivers and in simulation.
package node

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

const DefaultIdentify = 1500 * time.Millisecond

// Config describes one node.
type Config struct {
	NodeID     protocol.NodeID `mapstructure:"node_id" yaml:"node_id" json:"node_id"`
	DeviceType uint8           `mapstructure:"device_type" yaml:"device_type" json:"device_type"`

	// Inputs are the channels switched to input direction at boot.
	Inputs uint8 `mapstructure:"inputs" yaml:"inputs" json:"inputs"`

	ScanPeriod      time.Duration `mapstructure:"scan_period" yaml:"scan_period" json:"scan_period"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period" yaml:"heartbeat_period" json:"heartbeat_period"`
	StatePeriod     time.Duration `mapstructure:"state_period" yaml:"state_period" json:"state_period"`
}

// DefaultConfig returns the firmware defaults for node id.
func DefaultConfig(id protocol.NodeID) Config {
	return Config{
		NodeID:          id,
		DeviceType:      protocol.DeviceTypeRemoteIO,
		ScanPeriod:      10 * time.Millisecond,
		HeartbeatPeriod: 100 * time.Millisecond,
		StatePeriod:     time.Second,
	}
}

func (c *Config) Validate() error {
	if !c.NodeID.Valid() {
		return fmt.Errorf("%w: %d", protocol.ErrInvalidNodeID, c.NodeID)
	}
	if c.ScanPeriod <= 0 {
		return fmt.Errorf("scan_period must be positive")
	}
	if c.HeartbeatPeriod < c.ScanPeriod {
		return fmt.Errorf("heartbeat_period %s shorter than scan_period %s", c.HeartbeatPeriod, c.ScanPeriod)
	}
	if c.StatePeriod < c.ScanPeriod {
		return fmt.Errorf("state_period %s shorter than scan_period %s", c.StatePeriod, c.ScanPeriod)
	}
	return nil
}

// Applied describes the effect of an accepted command.
type Applied struct {
	Kind protocol.Kind

	// Blocked holds the output channels a command could not change
	// because they are fault-flagged.
	Blocked uint8

	// Report asks for an InputState and a heartbeat on this tick.
	Report bool

	From, To protocol.State
}

// ScanResult is the outcome of one scan.
type ScanResult struct {
	Edges     []protocol.Edge
	NewFaults []Fault
	Changed   bool // input or fault mask differs from the last report
}

// NodeState is the state machine of one node. It is not safe for
// concurrent use; exactly one task owns it.
type NodeState struct {
	cfg Config
	io  IODriver

	state   protocol.State
	outputs uint8
	inputs  uint8
	faults  uint8
	analog  [3]uint16
	sampled bool

	latched map[Fault]struct{}

	reportedInputs uint8
	reportedFaults uint8
	reported       bool
}

// New creates a node in Booting with outputs off and no faults.
func New(cfg Config, io IODriver) *NodeState {
	return &NodeState{
		cfg:     cfg,
		io:      io,
		state:   protocol.StateBooting,
		latched: make(map[Fault]struct{}),
	}
}

func (n *NodeState) ID() protocol.NodeID   { return n.cfg.NodeID }
func (n *NodeState) State() protocol.State { return n.state }
func (n *NodeState) Config() Config        { return n.cfg }
func (n *NodeState) Faults() []Fault       { return n.latchedList() }

// FinishBoot initializes the driver and runs a first diagnosis. The node
// enters Idle, or Fault when the diagnosis already reports a condition.
func (n *NodeState) FinishBoot() error {
	if n.state != protocol.StateBooting {
		return fmt.Errorf("%w: already booted (%s)", ErrInvalidState, n.state)
	}
	if err := n.io.Init(); err != nil {
		return fmt.Errorf("init io: %w", err)
	}
	n.io.SetDirections(n.cfg.Inputs)
	n.io.WriteOutputs(n.outputs)
	if len(n.latch()) > 0 {
		return n.transition(protocol.StateFault)
	}
	return n.transition(protocol.StateIdle)
}

// latch records conditions reported by the driver and returns the new ones.
func (n *NodeState) latch() []Fault {
	var fresh []Fault
	for _, f := range n.io.Diagnose() {
		if _, ok := n.latched[f]; ok {
			continue
		}
		n.latched[f] = struct{}{}
		fresh = append(fresh, f)
		if f.Channel >= 0 {
			n.faults = protocol.SetBit(n.faults, f.Channel, true)
		}
	}
	return fresh
}

func (n *NodeState) transition(to protocol.State) error {
	if n.state == to {
		return nil
	}
	if err := ValidateTransition(n.state, to); err != nil {
		return err
	}
	n.state = to
	return nil
}

// ApplyCommand applies one inbound message. Rejected commands leave the
// node unchanged.
func (n *NodeState) ApplyCommand(msg protocol.Message) (Applied, error) {
	res := Applied{Kind: msg.Kind(), From: n.state, To: n.state}
	if n.state == protocol.StateBooting {
		return res, ErrNotReady
	}

	switch m := msg.(type) {
	case protocol.OutputCommand:
		// Gesperrte Kanäle behalten ihren letzten Wert
		next := n.outputs&n.faults | m.Mask&^n.faults
		res.Blocked = (n.outputs ^ m.Mask) & n.faults
		n.outputs = next
		n.io.WriteOutputs(next)
		if n.state == protocol.StateIdle {
			if err := n.transition(protocol.StateRunning); err != nil {
				return res, err
			}
		}

	case protocol.Command:
		if err := n.applyGeneric(m, &res); err != nil {
			return res, err
		}

	case protocol.ClearErrors:
		if n.state != protocol.StateFault {
			return res, nil
		}
		n.faults = 0
		clear(n.latched)
		if err := n.transition(protocol.StateIdle); err != nil {
			return res, err
		}

	default:
		return res, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind())
	}

	res.To = n.state
	return res, nil
}

func (n *NodeState) applyGeneric(m protocol.Command, res *Applied) error {
	switch m.Code {
	case protocol.CommandIdentify:
		d := time.Duration(m.Argument) * time.Millisecond
		if d == 0 {
			d = DefaultIdentify
		}
		n.io.Identify(d)
	case protocol.CommandRequestState:
		res.Report = true
	case protocol.CommandConfigureInputs:
		if n.state != protocol.StateIdle {
			return fmt.Errorf("%w: %s in %s", ErrInvalidState, m.Code, n.state)
		}
		n.io.SetDirections(uint8(m.Argument))
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, m.Code)
	}
	return nil
}

// ScanTick samples inputs and diagnostics. Edges are derived from the
// previous and the current sample only. Any newly detected fault latches
// and moves the node to Fault.
func (n *NodeState) ScanTick() ScanResult {
	var res ScanResult
	if n.state == protocol.StateBooting {
		return res
	}

	level := n.io.ReadInputs()
	if n.sampled {
		res.Edges = protocol.Edges(n.inputs, level)
	}
	n.inputs = level
	n.sampled = true
	n.analog = n.io.ReadAnalog()

	res.NewFaults = n.latch()
	if len(res.NewFaults) > 0 && n.state != protocol.StateFault {
		// any -> Fault is always allowed
		_ = n.transition(protocol.StateFault)
	}

	res.Changed = !n.reported || n.inputs != n.reportedInputs || n.faults != n.reportedFaults
	return res
}

// Heartbeat builds the heartbeat message. It is valid in every state.
func (n *NodeState) Heartbeat(uptime uint32) protocol.Heartbeat {
	return protocol.Heartbeat{
		NodeID:     n.cfg.NodeID,
		Version:    protocol.ProtocolVersion,
		DeviceType: n.cfg.DeviceType,
		State:      n.state,
		Uptime:     uptime,
	}
}

// Report builds the InputState message and remembers it as reported.
func (n *NodeState) Report() protocol.InputState {
	n.reportedInputs = n.inputs
	n.reportedFaults = n.faults
	n.reported = true
	return protocol.InputState{
		NodeID:    n.cfg.NodeID,
		InputMask: n.inputs,
		FaultMask: n.faults,
		Analog:    n.analog,
	}
}

// Snapshot returns the current I/O state and node state.
func (n *NodeState) Snapshot() (protocol.IOState, protocol.State) {
	return protocol.IOState{
		OutputMask: n.outputs,
		InputMask:  n.inputs,
		FaultMask:  n.faults,
		Analog:     n.analog,
	}, n.state
}

func (n *NodeState) latchedList() []Fault {
	out := make([]Fault, 0, len(n.latched))
	for f := range n.latched {
		out = append(out, f)
	}
	sortFaults(out)
	return out
}
