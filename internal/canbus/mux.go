package canbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Mux owns the receive side of a Bus and fans frames out to filtered
// subscribers from a single goroutine. A subscriber whose buffer is full
// loses the frame; ordering of the frames it does get is preserved.
//
// Send is not proxied; use the bus (or a SharedBus) directly.
type Mux struct {
	bus    Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64

	dropped atomic.Uint64
	err     error
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewMux starts a multiplexer reading from bus.
func NewMux(bus Bus, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		bus:    bus,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]*subscriber),
	}
	go m.run(ctx)
	return m
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel; it is safe to call more than once.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	default:
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	return s.ch, func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
}

// Dropped returns how many frames were discarded because a subscriber was slow.
func (m *Mux) Dropped() uint64 { return m.dropped.Load() }

// Done is closed when the reader goroutine exits.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the receive error that stopped the mux, if any.
func (m *Mux) Err() error {
	<-m.done
	return m.err
}

// Close stops the reader and closes all subscriber channels. It does not
// close the underlying bus.
func (m *Mux) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *Mux) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		for id, s := range m.subs {
			close(s.ch)
			delete(m.subs, id)
		}
		close(m.done)
		m.mu.Unlock()
	}()

	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.err = err
				m.logger.Warn("Mux receive stopped", zap.Error(err))
			}
			return
		}

		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter != nil && !s.filter(f) {
				continue
			}
			select {
			case s.ch <- f:
			default:
				m.dropped.Add(1)
				m.logger.Debug("Subscriber full, frame dropped", zap.Stringer("frame", f))
			}
		}
		m.mu.RUnlock()
	}
}
