package node

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

var (
	ErrNotReady          = errors.New("node not ready")
	ErrInvalidState      = errors.New("command not allowed in current state")
	ErrUnexpectedMessage = errors.New("message is not a command")
)

var validTransitions = map[protocol.State][]protocol.State{
	protocol.StateBooting: {protocol.StateIdle, protocol.StateFault},
	protocol.StateIdle:    {protocol.StateRunning, protocol.StateFault},
	protocol.StateRunning: {protocol.StateFault},
	protocol.StateFault:   {protocol.StateIdle},
}

// ValidateTransition checks a state change against the node state machine.
func ValidateTransition(from, to protocol.State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}
