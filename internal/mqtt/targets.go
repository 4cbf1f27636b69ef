package mqtt

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/mock"
	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// HostTarget commands a remote node through its host driver.
type HostTarget struct {
	Driver *host.Driver
}

func (h HostTarget) SetPin(ctx context.Context, ch int, level bool) error {
	pin, err := h.Driver.Pin(ch)
	if err != nil {
		return err
	}
	return pin.Write(ctx, level)
}

func (h HostTarget) SetOutputs(ctx context.Context, mask uint8) error {
	return h.Driver.SetOutputs(ctx, mask)
}

func (h HostTarget) ClearErrors(ctx context.Context) error {
	return h.Driver.ClearErrors(ctx)
}

func (h HostTarget) State() StatePayload {
	v := h.Driver.State()
	return StatePayload{
		NodeID:  v.NodeID,
		State:   v.State,
		Alive:   h.Driver.Alive(),
		Outputs: v.IO.OutputMask,
		Inputs:  v.IO.InputMask,
		Faults:  v.IO.FaultMask,
		Analog:  v.IO.Analog,
		Uptime:  v.Uptime,
	}
}

// MockTarget drives a simulated node directly. set_pin on an input
// channel sets the simulated line level; on an output channel it queues
// an OutputCommand as if it came from the bus.
type MockTarget struct {
	m *mock.Mock

	mu        sync.Mutex
	requested uint8
	written   bool
}

func NewMockTarget(m *mock.Mock) *MockTarget {
	return &MockTarget{m: m}
}

func (t *MockTarget) SetPin(_ context.Context, ch int, level bool) error {
	if protocol.Bit(t.m.SimIO().Directions(), ch) {
		return t.m.SetInput(ch, level)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	base := t.requested
	if !t.written {
		io, _ := t.m.Snapshot()
		base = io.OutputMask
	}
	return t.setLocked(protocol.SetBit(base, ch, level))
}

func (t *MockTarget) SetOutputs(_ context.Context, mask uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(mask)
}

func (t *MockTarget) setLocked(mask uint8) error {
	if err := t.m.InjectMessage(protocol.OutputCommand{NodeID: t.m.Config().NodeID, Mask: mask}); err != nil {
		return err
	}
	t.requested = mask
	t.written = true
	return nil
}

func (t *MockTarget) ClearErrors(context.Context) error {
	return t.m.InjectMessage(protocol.ClearErrors{NodeID: t.m.Config().NodeID})
}

func (t *MockTarget) InjectFault(ch int, kind node.FaultKind) error {
	return t.m.InjectFault(ch, kind)
}

func (t *MockTarget) RemoveFault(ch int, kind node.FaultKind) {
	t.m.RemoveFault(ch, kind)
}

func (t *MockTarget) State() StatePayload {
	io, st := t.m.Snapshot()
	return StatePayload{
		NodeID:  t.m.Config().NodeID,
		State:   st,
		Alive:   true,
		Outputs: io.OutputMask,
		Inputs:  io.InputMask,
		Faults:  io.FaultMask,
		Analog:  io.Analog,
		Uptime:  uint32(t.m.Uptime().Seconds()),
	}
}
