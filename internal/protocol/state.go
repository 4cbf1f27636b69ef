package protocol

import "fmt"

// State is the node state machine state as carried in the heartbeat.
type State uint8

const (
	StateBooting State = iota
	StateIdle
	StateRunning
	StateFault
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "BOOTING"
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateFault:
		return "FAULT"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Valid reports whether s is a defined state.
func (s State) Valid() bool { return s <= StateFault }

// CommandCode selects a GenericCommand action.
type CommandCode uint8

const (
	// CommandIdentify blinks the node's indicator. Argument: duration in ms,
	// 0 selects the default.
	CommandIdentify CommandCode = 0x01

	// CommandRequestState makes the node send an InputState and a heartbeat
	// on its next tick. Argument ignored.
	CommandRequestState CommandCode = 0x02

	// CommandConfigureInputs switches the channels in the low 8 bits of the
	// argument to input direction, all others to output. Idle only.
	CommandConfigureInputs CommandCode = 0x03
)

func (c CommandCode) String() string {
	switch c {
	case CommandIdentify:
		return "identify"
	case CommandRequestState:
		return "request_state"
	case CommandConfigureInputs:
		return "configure_inputs"
	default:
		return fmt.Sprintf("command(0x%02X)", uint8(c))
	}
}

// Known reports whether c is defined by this protocol version.
func (c CommandCode) Known() bool {
	return c >= CommandIdentify && c <= CommandConfigureInputs
}

// ParseCommandCode accepts a command name or its numeric code.
func ParseCommandCode(s string) (CommandCode, error) {
	for c := CommandIdentify; c <= CommandConfigureInputs; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	var v uint8
	if _, err := fmt.Sscanf(s, "%v", &v); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCommand, s)
	}
	return CommandCode(v), nil
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateBooting; st <= StateFault; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: state %q", ErrInvalidField, b)
}
