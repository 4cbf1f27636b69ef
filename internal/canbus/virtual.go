package canbus

import (
	"context"
	"fmt"
	"sync"
)

const defaultQueueSize = 256

// VirtualBus is an in-process CAN bus. Every frame sent by one endpoint is
// delivered to all other endpoints, in send order per sender.
type VirtualBus struct {
	mu        sync.RWMutex
	closed    bool
	queueSize int
	endpoints map[*virtualEndpoint]struct{}
}

// NewVirtualBus creates a bus whose endpoints buffer queueSize frames.
// A queueSize <= 0 selects the default.
func NewVirtualBus(queueSize int) *VirtualBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &VirtualBus{
		queueSize: queueSize,
		endpoints: make(map[*virtualEndpoint]struct{}),
	}
}

// Open attaches a new endpoint to the bus.
func (b *VirtualBus) Open(name string) Bus {
	ep := &virtualEndpoint{
		name:   name,
		bus:    b,
		ch:     make(chan Frame, b.queueSize),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ep.dead = true
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// Close detaches all endpoints.
func (b *VirtualBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.markClosed()
	}
	b.endpoints = nil
	return nil
}

// Endpoints returns the number of attached endpoints.
func (b *VirtualBus) Endpoints() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

type virtualEndpoint struct {
	name string
	bus  *VirtualBus
	ch   chan Frame

	mu     sync.Mutex
	dead   bool
	closed chan struct{}
}

func (e *virtualEndpoint) String() string { return "virtual:" + e.name }

// Send delivers the frame to every other endpoint. It fails with ErrNoAck
// when nobody else is attached and with ErrBusBusy when a peer queue stays
// full until ctx is done.
func (e *virtualEndpoint) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}

	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*virtualEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoAck
	}

	for _, t := range targets {
		select {
		case t.ch <- frame:
			continue
		default:
		}
		select {
		case t.ch <- frame:
		case <-t.closed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrBusBusy, t.name, ctx.Err())
		}
	}
	return nil
}

// Receive waits for the next frame.
func (e *virtualEndpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-e.ch:
		return f, nil
	default:
	}
	select {
	case f := <-e.ch:
		return f, nil
	case <-e.closed:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close detaches the endpoint from the bus.
func (e *virtualEndpoint) Close() error {
	e.bus.mu.Lock()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.bus.mu.Unlock()
	e.markClosed()
	return nil
}

func (e *virtualEndpoint) markClosed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.dead = true
	close(e.closed)
}

func (e *virtualEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}
