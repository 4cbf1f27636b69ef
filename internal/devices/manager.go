package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
	"github.com/KevinKickass/OpenRemoteIO/internal/types"
)

// Node is one configured remote node.
type Node struct {
	ID          protocol.NodeID
	Name        string
	ProfileName string
	Profile     *types.NodeProfileDefinition
	Driver      *host.Driver
}

// Channel resolves a channel given as number or profile name.
func (n *Node) Channel(ref string) (int, error) {
	if n.Profile != nil {
		if ch, ok := n.Profile.ChannelByName(ref); ok {
			return ch, nil
		}
	}
	var ch int
	if _, err := fmt.Sscanf(ref, "%d", &ch); err != nil || ch < 0 || ch >= protocol.Channels {
		return 0, fmt.Errorf("unknown channel %q", ref)
	}
	return ch, nil
}

func (n *Node) Info() types.NodeInfo {
	v := n.Driver.State()
	return types.NodeInfo{
		ID:       uint8(n.ID),
		Name:     n.Name,
		Profile:  n.ProfileName,
		Alive:    n.Driver.Alive(),
		State:    v.State.String(),
		LastSeen: v.LastSeen,
		Mismatch: v.MismatchText,
	}
}

// Manager owns one host driver per configured node.
type Manager struct {
	loader   *ProfileLoader
	sender   host.Sender
	streamer *host.EventStreamer
	opts     host.Options

	nodes   map[protocol.NodeID]*Node
	cancels []func()
	poller  *Poller
	wg      sync.WaitGroup
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewManager(searchPaths []string, sender host.Sender, opts host.Options, logger *zap.Logger) (*Manager, error) {
	loader, err := NewProfileLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}
	if opts.Streamer == nil {
		opts.Streamer = host.NewEventStreamer()
	}

	return &Manager{
		loader:   loader,
		sender:   sender,
		streamer: opts.Streamer,
		opts:     opts,
		nodes:    make(map[protocol.NodeID]*Node),
		logger:   logger,
	}, nil
}

// Streamer is shared by all drivers of this manager.
func (m *Manager) Streamer() *host.EventStreamer { return m.streamer }

// AddNode creates the driver for a node. profile may be empty.
func (m *Manager) AddNode(id protocol.NodeID, name, profile string) (*Node, error) {
	n := &Node{ID: id, Name: name, ProfileName: profile}
	if name == "" {
		n.Name = fmt.Sprintf("node-%d", id)
	}
	if profile != "" {
		p, err := m.loader.Load(profile)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile %s: %w", profile, err)
		}
		n.Profile = p
	}

	driver, err := host.NewDriver(id, m.sender, m.logger, m.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	n.Driver = driver

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[id]; exists {
		return nil, fmt.Errorf("node %d already registered", id)
	}
	m.nodes[id] = n

	m.logger.Info("Node registered",
		zap.Uint8("node_id", uint8(id)),
		zap.String("name", n.Name),
		zap.String("profile", profile))

	return n, nil
}

// Attach subscribes every driver to mux and starts the liveness poller.
func (m *Manager) Attach(ctx context.Context, mux *canbus.Mux, pollInterval time.Duration, onChange func(protocol.NodeID, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		frames, cancel := mux.Subscribe(protocol.ByNode(n.ID), 64)
		m.cancels = append(m.cancels, cancel)
		m.wg.Add(1)
		go func(d *host.Driver) {
			defer m.wg.Done()
			_ = d.Run(ctx, frames)
		}(n.Driver)
	}

	m.poller = NewPoller(m, pollInterval, m.logger)
	m.poller.OnChange = onChange
	m.poller.Start()
}

// GetNode returns node by id
func (m *Manager) GetNode(id protocol.NodeID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, exists := m.nodes[id]
	return n, exists
}

// GetNodeByName returns node by name
func (m *Manager) GetNodeByName(name string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, n := range m.nodes {
		if n.Name == name {
			return n, true
		}
	}

	return nil, false
}

// ListNodes returns all nodes ordered by id
func (m *Manager) ListNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

// StopAll stops the poller and detaches all drivers
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	poller := m.poller
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
