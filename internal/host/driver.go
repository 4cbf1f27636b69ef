// Package host is the controller side of the protocol: one Driver per
// remote node keeps the latest known state and turns intents into frames.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

var (
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrNodeDead         = errors.New("node not alive")
	ErrUnknownEdge      = errors.New("unknown edge kind")
)

const DefaultAliveTimeout = 500 * time.Millisecond

// Sender transmits frames. canbus.Bus and canbus.SharedBus satisfy it.
type Sender interface {
	Send(ctx context.Context, frame canbus.Frame) error
}

type Options struct {
	ExpectedVersion uint8
	AliveTimeout    time.Duration
	Streamer        *EventStreamer
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.ExpectedVersion == 0 {
		o.ExpectedVersion = protocol.ProtocolVersion
	}
	if o.AliveTimeout <= 0 {
		o.AliveTimeout = DefaultAliveTimeout
	}
	if o.Streamer == nil {
		o.Streamer = NewEventStreamer()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// View is the host's picture of one node.
type View struct {
	NodeID        protocol.NodeID  `json:"node_id"`
	IO            protocol.IOState `json:"io"`
	State         protocol.State   `json:"state"`
	DeviceType    uint8            `json:"device_type"`
	Version       uint8            `json:"protocol_version"`
	Uptime        uint32           `json:"uptime_seconds"`
	HasHeartbeat  bool             `json:"has_heartbeat"`
	HasInputs     bool             `json:"has_inputs"`
	LastSeen      time.Time        `json:"last_seen"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Frames        uint64           `json:"frames"`
	Malformed     uint64           `json:"malformed"`
	Mismatch      error            `json:"-"`
	MismatchText  string           `json:"protocol_mismatch,omitempty"`
}

type waiter struct {
	channel int
	edge    EdgeKind
	ch      chan Event
}

// Driver tracks one node and sends commands to it. Delivery is
// at-most-once; callers confirm by observing the next InputState.
type Driver struct {
	node   protocol.NodeID
	sender Sender
	logger *zap.Logger
	opts   Options

	mu        sync.RWMutex
	view      View
	requested uint8
	written   bool
	beat      chan struct{} // closed and replaced on every heartbeat
	waiters   map[*waiter]struct{}

	writeMu sync.Mutex
}

func NewDriver(node protocol.NodeID, sender Sender, logger *zap.Logger, opts Options) (*Driver, error) {
	if !node.Valid() {
		return nil, fmt.Errorf("%w: %d", protocol.ErrInvalidNodeID, node)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	return &Driver{
		node:    node,
		sender:  sender,
		logger:  logger.With(zap.Uint8("node_id", uint8(node))),
		opts:    opts,
		view:    View{NodeID: node},
		beat:    make(chan struct{}),
		waiters: make(map[*waiter]struct{}),
	}, nil
}

func (d *Driver) Node() protocol.NodeID { return d.node }

// Streamer returns the event streamer the driver publishes to.
func (d *Driver) Streamer() *EventStreamer { return d.opts.Streamer }

// Subscribe returns this node's event stream and its cancel func.
func (d *Driver) Subscribe() (<-chan *Event, func()) {
	ch := d.opts.Streamer.Subscribe(int(d.node))
	return ch, func() { d.opts.Streamer.Unsubscribe(int(d.node), ch) }
}

// Run feeds frames from a subscription into Handle until the channel is
// closed or ctx is done.
func (d *Driver) Run(ctx context.Context, frames <-chan canbus.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			d.Handle(f)
		}
	}
}

// Handle consumes one received frame. Frames of other nodes and host
// commands are ignored.
func (d *Driver) Handle(f canbus.Frame) {
	if f.Extended || f.RTR {
		return
	}
	kind, node := protocol.SplitID(f.ID)
	if node != d.node || (kind != protocol.KindHeartbeat && kind != protocol.KindInputState && kind.Known()) {
		return
	}

	msg, err := protocol.Decode(f)
	now := d.opts.Now()
	if err != nil {
		d.mu.Lock()
		d.view.Malformed++
		d.mu.Unlock()
		d.logger.Warn("Malformed frame", zap.Stringer("frame", f), zap.Error(err))
		return
	}

	var events []*Event
	d.mu.Lock()
	d.view.Frames++
	d.view.LastSeen = now
	switch m := msg.(type) {
	case protocol.Heartbeat:
		events = d.applyHeartbeat(m, now)
	case protocol.InputState:
		events = d.applyInputs(m, now)
	}
	d.mu.Unlock()

	for _, ev := range events {
		d.opts.Streamer.Broadcast(ev)
	}
}

// applyHeartbeat runs with d.mu held.
func (d *Driver) applyHeartbeat(hb protocol.Heartbeat, now time.Time) []*Event {
	prevVersion := d.view.Version
	d.view.State = hb.State
	d.view.DeviceType = hb.DeviceType
	d.view.Version = hb.Version
	d.view.Uptime = hb.Uptime
	d.view.HasHeartbeat = true
	d.view.LastHeartbeat = now

	events := []*Event{{Type: EventHeartbeat, Node: d.node, Time: now, Heartbeat: &hb}}

	if hb.Version != d.opts.ExpectedVersion {
		if d.view.Mismatch == nil || prevVersion != hb.Version {
			err := fmt.Errorf("%w: node %d speaks v%d, want v%d", ErrProtocolMismatch, d.node, hb.Version, d.opts.ExpectedVersion)
			d.view.Mismatch = err
			d.view.MismatchText = err.Error()
			d.logger.Warn("Protocol mismatch", zap.Uint8("version", hb.Version), zap.Uint8("expected", d.opts.ExpectedVersion))
			events = append(events, &Event{Type: EventMismatch, Node: d.node, Time: now, Error: err.Error()})
		}
	} else if d.view.Mismatch != nil {
		d.view.Mismatch = nil
		d.view.MismatchText = ""
	}

	close(d.beat)
	d.beat = make(chan struct{})
	return events
}

// applyInputs runs with d.mu held.
func (d *Driver) applyInputs(is protocol.InputState, now time.Time) []*Event {
	var edges []protocol.Edge
	if d.view.HasInputs {
		edges = protocol.Edges(d.view.IO.InputMask, is.InputMask)
	}
	d.view.IO.InputMask = is.InputMask
	d.view.IO.FaultMask = is.FaultMask
	d.view.IO.Analog = is.Analog
	d.view.HasInputs = true
	if !d.written {
		d.view.IO.OutputMask = is.InputMask
	}

	events := []*Event{{Type: EventInputState, Node: d.node, Time: now, Inputs: &is}}
	for _, e := range edges {
		ev := Event{Type: EventEdge, Node: d.node, Time: now, Edge: &e}
		events = append(events, &ev)
		for w := range d.waiters {
			if w.channel == e.Channel && w.edge.matches(e) {
				select {
				case w.ch <- ev:
				default:
				}
			}
		}
	}
	return events
}

// State returns a copy of the current view.
func (d *Driver) State() View {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.view
}

// Alive reports whether a heartbeat arrived within the alive timeout.
func (d *Driver) Alive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.aliveLocked()
}

func (d *Driver) aliveLocked() bool {
	return d.view.HasHeartbeat && d.opts.Now().Sub(d.view.LastHeartbeat) <= d.opts.AliveTimeout
}

// CheckAlive returns ErrNodeDead when no recent heartbeat was seen.
func (d *Driver) CheckAlive() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.aliveLocked() {
		return nil
	}
	if !d.view.HasHeartbeat {
		return fmt.Errorf("%w: node %d never seen", ErrNodeDead, d.node)
	}
	return fmt.Errorf("%w: node %d silent for %s", ErrNodeDead, d.node, d.opts.Now().Sub(d.view.LastHeartbeat).Round(time.Millisecond))
}

// WaitAlive blocks until a heartbeat has been seen within the alive
// timeout, or fails with ErrNodeDead after timeout.
func (d *Driver) WaitAlive(ctx context.Context, timeout time.Duration) error {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		d.mu.RLock()
		alive := d.aliveLocked()
		beat := d.beat
		d.mu.RUnlock()
		if alive {
			return nil
		}
		select {
		case <-beat:
		case <-expire:
			return fmt.Errorf("%w: node %d: %w", ErrNodeDead, d.node, ErrTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}
}

// SetOutputs sends an OutputCommand with mask.
func (d *Driver) SetOutputs(ctx context.Context, mask uint8) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.sendOutputs(ctx, mask)
}

// sendOutputs runs with d.writeMu held.
func (d *Driver) sendOutputs(ctx context.Context, mask uint8) error {
	if err := d.send(ctx, protocol.OutputCommand{NodeID: d.node, Mask: mask}); err != nil {
		return err
	}
	d.mu.Lock()
	d.requested = mask
	d.written = true
	d.view.IO.OutputMask = mask
	d.mu.Unlock()
	return nil
}

func (d *Driver) writePin(ctx context.Context, ch int, level bool) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.RLock()
	base := d.requested
	if !d.written {
		base = d.view.IO.InputMask
	}
	d.mu.RUnlock()
	return d.sendOutputs(ctx, protocol.SetBit(base, ch, level))
}

func (d *Driver) ClearErrors(ctx context.Context) error {
	return d.send(ctx, protocol.ClearErrors{NodeID: d.node})
}

// Command sends a GenericCommand. Codes unknown to this protocol version
// are refused before they reach the bus.
func (d *Driver) Command(ctx context.Context, code protocol.CommandCode, arg uint32) error {
	if !code.Known() {
		return fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, code)
	}
	return d.send(ctx, protocol.Command{NodeID: d.node, Code: code, Argument: arg})
}

// RequestState asks the node for an immediate InputState and heartbeat.
func (d *Driver) RequestState(ctx context.Context) error {
	return d.Command(ctx, protocol.CommandRequestState, 0)
}

func (d *Driver) Identify(ctx context.Context, dur time.Duration) error {
	return d.Command(ctx, protocol.CommandIdentify, uint32(dur/time.Millisecond))
}

func (d *Driver) send(ctx context.Context, msg protocol.Message) error {
	f, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := d.sender.Send(ctx, f); err != nil {
		d.logger.Error("Send failed", zap.Stringer("kind", msg.Kind()), zap.Error(err))
		return fmt.Errorf("node %d: send %s: %w", d.node, msg.Kind(), err)
	}
	d.logger.Debug("Sent", zap.Stringer("frame", f))
	return nil
}
