package node

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// IODriver is the hardware boundary of a node. The state machine calls it
// only from its owning task.
type IODriver interface {
	Init() error

	// ReadInputs returns the sampled line level of every channel. Output
	// channels read back their driven level.
	ReadInputs() uint8
	ReadAnalog() [3]uint16
	WriteOutputs(mask uint8)

	// SetDirections switches the channels set in inputs to input mode and
	// all others to output mode.
	SetDirections(inputs uint8)

	// Diagnose returns the conditions present right now.
	Diagnose() []Fault
	Identify(d time.Duration)
}

// SimIO is an in-memory IODriver. Input levels and fault conditions are
// set by the caller and stay until changed.
type SimIO struct {
	mu         sync.Mutex
	levels     uint8 // external level on input channels
	outputs    uint8
	directions uint8
	analog     [3]uint16
	faults     map[Fault]struct{}
	identified []time.Duration
	initErr    error
}

func NewSimIO() *SimIO {
	return &SimIO{faults: make(map[Fault]struct{})}
}

// FailInit makes the next Init return err.
func (s *SimIO) FailInit(err error) {
	s.mu.Lock()
	s.initErr = err
	s.mu.Unlock()
}

func (s *SimIO) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.initErr
	s.initErr = nil
	return err
}

func (s *SimIO) ReadInputs() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels&s.directions | s.outputs&^s.directions
}

func (s *SimIO) ReadAnalog() [3]uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analog
}

func (s *SimIO) WriteOutputs(mask uint8) {
	s.mu.Lock()
	s.outputs = mask
	s.mu.Unlock()
}

func (s *SimIO) SetDirections(inputs uint8) {
	s.mu.Lock()
	s.directions = inputs
	s.mu.Unlock()
}

func (s *SimIO) Diagnose() []Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.faults) == 0 {
		return nil
	}
	out := make([]Fault, 0, len(s.faults))
	for f := range s.faults {
		out = append(out, f)
	}
	sortFaults(out)
	return out
}

func sortFaults(fs []Fault) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Channel != fs[j].Channel {
			return fs[i].Channel < fs[j].Channel
		}
		return fs[i].Kind < fs[j].Kind
	})
}

func (s *SimIO) Identify(d time.Duration) {
	s.mu.Lock()
	s.identified = append(s.identified, d)
	s.mu.Unlock()
}

// SetInput sets the external level of a channel. It is only visible while
// the channel is configured as input.
func (s *SimIO) SetInput(ch int, level bool) error {
	if ch < 0 || ch >= protocol.Channels {
		return errInvalidChannel
	}
	s.mu.Lock()
	s.levels = protocol.SetBit(s.levels, ch, level)
	s.mu.Unlock()
	return nil
}

// SetInputs replaces all external levels.
func (s *SimIO) SetInputs(mask uint8) {
	s.mu.Lock()
	s.levels = mask
	s.mu.Unlock()
}

func (s *SimIO) SetAnalog(idx int, value uint16) error {
	if idx < 0 || idx >= len(s.analog) {
		return errors.New("analog index out of range")
	}
	s.mu.Lock()
	s.analog[idx] = value
	s.mu.Unlock()
	return nil
}

// InjectFault makes Diagnose report the condition until RemoveFault.
func (s *SimIO) InjectFault(f Fault) error {
	if f.Channel < DeviceChannel || f.Channel >= protocol.Channels {
		return errInvalidChannel
	}
	s.mu.Lock()
	s.faults[f] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *SimIO) RemoveFault(f Fault) {
	s.mu.Lock()
	delete(s.faults, f)
	s.mu.Unlock()
}

// Outputs returns the mask last written by the node.
func (s *SimIO) Outputs() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

// Directions returns the current input direction mask.
func (s *SimIO) Directions() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directions
}

// Identified returns the durations of all Identify calls so far.
func (s *SimIO) Identified() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.identified...)
}

var errInvalidChannel = errors.New("channel out of range")
