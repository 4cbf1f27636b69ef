package host

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// EdgeKind selects which level changes a wait resumes on.
type EdgeKind uint8

const (
	EdgeRising EdgeKind = iota + 1
	EdgeFalling
	EdgeAny
)

func (k EdgeKind) Valid() bool { return k >= EdgeRising && k <= EdgeAny }

func (k EdgeKind) matches(e protocol.Edge) bool {
	switch k {
	case EdgeRising:
		return e.Rising
	case EdgeFalling:
		return !e.Rising
	case EdgeAny:
		return true
	default:
		return false
	}
}

func (k EdgeKind) String() string {
	switch k {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeAny:
		return "any"
	default:
		return fmt.Sprintf("edge(%d)", uint8(k))
	}
}

// ParseEdgeKind accepts "rising", "falling", "any" and the aliases
// "high", "low", "change".
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch s {
	case "rising", "high":
		return EdgeRising, nil
	case "falling", "low":
		return EdgeFalling, nil
	case "any", "change":
		return EdgeAny, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEdge, s)
}

// Pin is one channel of a node.
type Pin struct {
	d  *Driver
	ch int
}

// Pin returns the handle of channel ch.
func (d *Driver) Pin(ch int) (*Pin, error) {
	if ch < 0 || ch >= protocol.Channels {
		return nil, fmt.Errorf("channel %d out of range 0..%d", ch, protocol.Channels-1)
	}
	return &Pin{d: d, ch: ch}, nil
}

func (p *Pin) Channel() int { return p.ch }

// Read returns the line level from the latest InputState.
func (p *Pin) Read() bool {
	return protocol.Bit(p.d.State().IO.InputMask, p.ch)
}

// Faulted reports the channel's latched fault bit.
func (p *Pin) Faulted() bool {
	return protocol.Bit(p.d.State().IO.FaultMask, p.ch)
}

// Write sends an OutputCommand that changes only this channel relative to
// the last requested mask.
func (p *Pin) Write(ctx context.Context, level bool) error {
	return p.d.writePin(ctx, p.ch, level)
}

// WaitEdge waits for an edge on this channel.
func (p *Pin) WaitEdge(ctx context.Context, edge EdgeKind, timeout time.Duration) (Event, error) {
	return p.d.WaitEdge(ctx, p.ch, edge, timeout)
}

// WaitEdge blocks until the given edge is observed on channel ch. It
// fails with ErrTimeout or ErrCancelled and changes nothing in that case.
func (d *Driver) WaitEdge(ctx context.Context, ch int, edge EdgeKind, timeout time.Duration) (Event, error) {
	if ch < 0 || ch >= protocol.Channels {
		return Event{}, fmt.Errorf("channel %d out of range", ch)
	}
	if !edge.Valid() {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEdge, edge)
	}
	w := &waiter{channel: ch, edge: edge, ch: make(chan Event, 1)}
	d.mu.Lock()
	d.waiters[w] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, w)
		d.mu.Unlock()
	}()

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-expire:
		return Event{}, fmt.Errorf("%w: %s edge on node %d ch%d after %s", ErrTimeout, edge, d.node, ch, timeout)
	case <-ctx.Done():
		return Event{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}
