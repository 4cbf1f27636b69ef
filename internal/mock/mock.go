// Package mock runs a simulated node (NodeState over SimIO) on a bus, so
// host code can be tested without hardware. It can free-run on the scan
// period or be stepped tick by tick.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

var (
	ErrRunning    = errors.New("mock is free-running")
	ErrNotRunning = errors.New("mock is not running")
)

// DefaultConfig returns the mock defaults: channels 0-3 are inputs,
// 4-7 outputs.
func DefaultConfig(id protocol.NodeID) node.Config {
	cfg := node.DefaultConfig(id)
	cfg.DeviceType = protocol.DeviceTypeMock
	cfg.Inputs = 0x0F
	return cfg
}

// Mock is one simulated node.
type Mock struct {
	ID uuid.UUID

	cfg    node.Config
	sim    *node.SimIO
	runner *node.Runner
	bus    canbus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	recorded []canbus.Frame
	edges    []protocol.Edge
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

func New(cfg node.Config, bus canbus.Bus, logger *zap.Logger) (*Mock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeviceType == 0 {
		cfg.DeviceType = protocol.DeviceTypeMock
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Mock{
		ID:  uuid.New(),
		cfg: cfg,
		sim: node.NewSimIO(),
		bus: bus,
	}
	m.logger = logger.With(zap.String("mock_id", m.ID.String()))
	m.runner = node.NewRunner(node.New(cfg, m.sim), bus, m.logger,
		node.WithSendHook(m.record),
		node.WithEdgeHook(m.edge))
	return m, nil
}

func (m *Mock) record(f canbus.Frame) {
	m.mu.Lock()
	m.recorded = append(m.recorded, f)
	m.mu.Unlock()
}

func (m *Mock) edge(e protocol.Edge) {
	m.mu.Lock()
	m.edges = append(m.edges, e)
	m.mu.Unlock()
}

func (m *Mock) Config() node.Config { return m.cfg }

// SimIO exposes the simulated driver.
func (m *Mock) SimIO() *node.SimIO { return m.sim }

// Start runs the node on its scan period until Stop or ctx is done.
func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}
	if err := m.runner.Boot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		err := m.runner.Run(ctx)
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
	}(m.done)

	m.logger.Info("Mock started",
		zap.Uint8("node_id", uint8(m.cfg.NodeID)),
		zap.Duration("scan_period", m.cfg.ScanPeriod))
	return nil
}

// Stop ends a free run and waits for the loop to exit.
func (m *Mock) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done

	m.mu.Lock()
	m.cancel = nil
	err := m.runErr
	m.mu.Unlock()
	m.logger.Info("Mock stopped")
	return err
}

// Running reports whether the mock is free-running.
func (m *Mock) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Step runs one tick. Frames already queued on the bus are applied first.
func (m *Mock) Step(ctx context.Context) error {
	if m.Running() {
		return ErrRunning
	}
	m.pump()
	m.runner.Step(ctx)
	return nil
}

// Advance runs n ticks.
func (m *Mock) Advance(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := m.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pump moves frames that are already waiting on the bus into the runner
// without blocking.
func (m *Mock) pump() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			return
		}
		m.runner.Deliver(f)
	}
}

// Inject queues a frame as if it had been received from the bus.
func (m *Mock) Inject(f canbus.Frame) { m.runner.Deliver(f) }

// InjectMessage encodes msg and queues it.
func (m *Mock) InjectMessage(msg protocol.Message) error {
	f, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	m.Inject(f)
	return nil
}

func (m *Mock) SetInput(ch int, level bool) error { return m.sim.SetInput(ch, level) }

func (m *Mock) SetAnalog(idx int, v uint16) error { return m.sim.SetAnalog(idx, v) }

func (m *Mock) InjectFault(ch int, kind node.FaultKind) error {
	return m.sim.InjectFault(node.Fault{Channel: ch, Kind: kind})
}

func (m *Mock) RemoveFault(ch int, kind node.FaultKind) {
	m.sim.RemoveFault(node.Fault{Channel: ch, Kind: kind})
}

// Frames returns every frame the node sent so far.
func (m *Mock) Frames() []canbus.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]canbus.Frame(nil), m.recorded...)
}

// Edges returns the edges the node detected so far.
func (m *Mock) Edges() []protocol.Edge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Edge(nil), m.edges...)
}

// Reset forgets recorded frames and edges.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.recorded = nil
	m.edges = nil
	m.mu.Unlock()
}

func (m *Mock) Snapshot() (protocol.IOState, protocol.State) { return m.runner.Snapshot() }

func (m *Mock) Faults() []node.Fault { return m.runner.Faults() }

func (m *Mock) Stats() node.Stats { return m.runner.Stats() }

// Uptime is the simulated time since boot.
func (m *Mock) Uptime() time.Duration {
	return time.Duration(m.runner.Tick()) * m.cfg.ScanPeriod
}
