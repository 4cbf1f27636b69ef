package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

const inboxSize = 64

// Stats are the runner counters.
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
	Malformed  uint64 `json:"malformed"`
	Rejected   uint64 `json:"rejected"`
	Overruns   uint64 `json:"overruns"`
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithSendHook calls fn with every frame the runner sends successfully.
func WithSendHook(fn func(canbus.Frame)) RunnerOption {
	return func(r *Runner) { r.onSend = fn }
}

// WithEdgeHook calls fn for every edge detected by a scan.
func WithEdgeHook(fn func(protocol.Edge)) RunnerOption {
	return func(r *Runner) { r.onEdge = fn }
}

// Runner owns a NodeState and drives it on the bus. Per tick it applies
// pending commands, scans, then sends InputState and heartbeat frames.
type Runner struct {
	node   *NodeState
	bus    canbus.Bus
	logger *zap.Logger

	scanPeriod     time.Duration
	heartbeatEvery uint64
	stateEvery     uint64

	inbox chan canbus.Frame

	mu        sync.Mutex // serializes Step against observers
	tick      uint64
	booted    bool
	requested bool

	onSend func(canbus.Frame)
	onEdge func(protocol.Edge)

	sent, sendErrors, malformed, rejected, overruns atomic.Uint64

	running atomic.Bool
}

func NewRunner(n *NodeState, bus canbus.Bus, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := n.Config()
	r := &Runner{
		node:           n,
		bus:            bus,
		logger:         logger.With(zap.Uint8("node_id", uint8(cfg.NodeID))),
		scanPeriod:     cfg.ScanPeriod,
		heartbeatEvery: ticksPer(cfg.HeartbeatPeriod, cfg.ScanPeriod),
		stateEvery:     ticksPer(cfg.StatePeriod, cfg.ScanPeriod),
		inbox:          make(chan canbus.Frame, inboxSize),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func ticksPer(period, scan time.Duration) uint64 {
	if scan <= 0 || period <= scan {
		return 1
	}
	return uint64(period / scan)
}

// Boot finishes the node's boot sequence. Step and Run call it when needed.
func (r *Runner) Boot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bootLocked()
}

func (r *Runner) bootLocked() error {
	if r.booted {
		return nil
	}
	if err := r.node.FinishBoot(); err != nil {
		return err
	}
	r.booted = true
	r.logger.Info("Node booted",
		zap.Stringer("state", r.node.State()),
		zap.Uint8("inputs", r.node.Config().Inputs))
	return nil
}

// Deliver queues an inbound frame for the next tick. Frames for other
// nodes are ignored. It never blocks; a full inbox drops the frame.
func (r *Runner) Deliver(f canbus.Frame) {
	if f.Extended || f.RTR {
		return
	}
	kind, id := protocol.SplitID(f.ID)
	if id != r.node.ID() {
		return
	}
	switch kind {
	case protocol.KindHeartbeat, protocol.KindInputState:
		// eigene Frames
		return
	}
	select {
	case r.inbox <- f:
	default:
		r.overruns.Add(1)
		r.logger.Warn("Inbox full, frame dropped", zap.Stringer("frame", f))
	}
}

// Run boots the node and ticks every scan period until ctx is done. It
// reads commands from the bus in a separate goroutine.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runner already running")
	}
	defer r.running.Store(false)

	if err := r.Boot(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.receiveLoop(ctx)
	}()
	defer wg.Wait()

	ticker := time.NewTicker(r.scanPeriod)
	defer ticker.Stop()

	r.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Step(ctx)
		}
	}
}

func (r *Runner) receiveLoop(ctx context.Context) {
	for f, err := range canbus.Frames(ctx, r.bus) {
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("Receive failed", zap.Error(err))
			}
			return
		}
		r.Deliver(f)
	}
}

// Step runs exactly one tick.
func (r *Runner) Step(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.bootLocked(); err != nil {
		r.logger.Error("Boot failed", zap.Error(err))
		return
	}

	r.drainLocked()

	scan := r.node.ScanTick()
	for _, f := range scan.NewFaults {
		r.logger.Warn("Fault latched", zap.Stringer("fault", f), zap.Stringer("state", r.node.State()))
	}
	for _, e := range scan.Edges {
		r.logger.Debug("Edge", zap.Stringer("edge", e))
		if r.onEdge != nil {
			r.onEdge(e)
		}
	}

	tick := r.tick
	if scan.Changed || r.requested || tick%r.stateEvery == 0 {
		r.send(ctx, r.node.Report())
	}
	if r.requested || tick%r.heartbeatEvery == 0 {
		r.send(ctx, r.node.Heartbeat(r.uptimeLocked()))
	}
	r.requested = false
	r.tick++
}

func (r *Runner) drainLocked() {
	for {
		select {
		case f := <-r.inbox:
			r.applyLocked(f)
		default:
			return
		}
	}
}

func (r *Runner) applyLocked(f canbus.Frame) {
	msg, err := protocol.Decode(f)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Warn("Malformed frame dropped", zap.Stringer("frame", f), zap.Error(err))
		return
	}
	res, err := r.node.ApplyCommand(msg)
	if err != nil {
		r.rejected.Add(1)
		r.logger.Warn("Command rejected",
			zap.Stringer("kind", msg.Kind()),
			zap.Stringer("state", r.node.State()),
			zap.Error(err))
		return
	}
	if res.Blocked != 0 {
		r.logger.Info("Output partially ignored",
			zap.Uint8("blocked", res.Blocked),
			zap.Uint8("fault_mask", r.faultMaskLocked()))
	}
	if res.From != res.To {
		r.logger.Info("State changed", zap.Stringer("from", res.From), zap.Stringer("to", res.To))
	}
	if res.Report {
		r.requested = true
	}
}

func (r *Runner) faultMaskLocked() uint8 {
	io, _ := r.node.Snapshot()
	return io.FaultMask
}

func (r *Runner) uptimeLocked() uint32 {
	return uint32(time.Duration(r.tick) * r.scanPeriod / time.Second)
}

func (r *Runner) send(ctx context.Context, msg protocol.Message) {
	f, err := protocol.Encode(msg)
	if err != nil {
		r.sendErrors.Add(1)
		r.logger.Error("Encode failed", zap.Stringer("kind", msg.Kind()), zap.Error(err))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.scanPeriod)
	defer cancel()
	if err := r.bus.Send(sctx, f); err != nil {
		r.sendErrors.Add(1)
		r.logger.Warn("Send failed", zap.Stringer("frame", f), zap.Error(err))
		return
	}
	r.sent.Add(1)
	if r.onSend != nil {
		r.onSend(f)
	}
}

// Snapshot returns the node's I/O and state between ticks.
func (r *Runner) Snapshot() (protocol.IOState, protocol.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.Snapshot()
}

// Faults returns the latched faults.
func (r *Runner) Faults() []Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.Faults()
}

// Tick returns the number of completed ticks.
func (r *Runner) Tick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

func (r *Runner) Stats() Stats {
	return Stats{
		Ticks:      r.Tick(),
		Sent:       r.sent.Load(),
		SendErrors: r.sendErrors.Load(),
		Malformed:  r.malformed.Load(),
		Rejected:   r.rejected.Load(),
		Overruns:   r.overruns.Load(),
	}
}
