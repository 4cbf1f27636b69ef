package devices

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// Poller checks node liveness by heartbeat age and reports changes.
type Poller struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	alive    map[protocol.NodeID]bool

	// OnChange is called from the poll goroutine when a node becomes
	// alive or dead.
	OnChange func(id protocol.NodeID, alive bool)
}

func NewPoller(manager *Manager, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Poller{
		manager:  manager,
		interval: interval,
		logger:   logger,
		alive:    make(map[protocol.NodeID]bool),
	}
}

// Start startet das zyklische Polling
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.pollLoop(p.stopChan)

	p.logger.Info("Liveness poller started", zap.Duration("interval", p.interval))
}

// Stop stoppt das Polling
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()

	p.logger.Info("Liveness poller stopped")
}

func (p *Poller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.Check()
		}
	}
}

// Check compares every node's liveness with the last poll.
func (p *Poller) Check() {
	for _, n := range p.manager.ListNodes() {
		alive := n.Driver.Alive()

		p.mu.Lock()
		was, known := p.alive[n.ID]
		p.alive[n.ID] = alive
		p.mu.Unlock()

		if known && was == alive {
			continue
		}
		if !known && !alive {
			// never seen: initial status only, no dead event
			if p.OnChange != nil {
				p.OnChange(n.ID, false)
			}
			continue
		}

		if alive {
			p.logger.Info("Node alive", zap.Uint8("node_id", uint8(n.ID)))
		} else {
			err := n.Driver.CheckAlive()
			p.logger.Warn("Node dead", zap.Uint8("node_id", uint8(n.ID)), zap.Error(err))
			p.manager.streamer.Broadcast(&host.Event{
				Type:  host.EventDead,
				Node:  n.ID,
				Time:  time.Now(),
				Error: errString(err),
			})
		}
		if p.OnChange != nil {
			p.OnChange(n.ID, alive)
		}
	}
}

// IsRunning gibt an ob Poller läuft
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
