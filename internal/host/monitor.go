package host

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

// NodeSummary is what a passive listener knows about one node.
type NodeSummary struct {
	NodeID     protocol.NodeID          `json:"node_id"`
	DeviceType uint8                    `json:"device_type"`
	Version    uint8                    `json:"protocol_version"`
	State      protocol.State           `json:"state"`
	Uptime     uint32                   `json:"uptime_seconds"`
	IO         protocol.IOState         `json:"io"`
	Counts     map[protocol.Kind]uint64 `json:"-"`
	Frames     uint64                   `json:"frames"`
	Errors     uint64                   `json:"errors"`
	LastSeen   time.Time                `json:"last_seen"`
}

// Monitor passively tracks every node seen on the bus.
type Monitor struct {
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	nodes     map[protocol.NodeID]*NodeSummary
	malformed uint64

	// OnFrame, when set, is called for every frame after it was decoded.
	OnFrame func(f canbus.Frame, msg protocol.Message, err error)
}

func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger: logger,
		now:    time.Now,
		nodes:  make(map[protocol.NodeID]*NodeSummary),
	}
}

// Run handles frames until the channel closes or ctx is done.
func (m *Monitor) Run(ctx context.Context, frames <-chan canbus.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			m.Handle(f)
		}
	}
}

func (m *Monitor) Handle(f canbus.Frame) (protocol.Message, error) {
	msg, err := protocol.Decode(f)
	now := m.now()

	m.mu.Lock()
	if err != nil {
		m.malformed++
		if !f.Extended && f.ID <= canbus.MaxStandardID {
			_, id := protocol.SplitID(f.ID)
			m.summary(id).Errors++
		}
	} else {
		s := m.summary(msg.Node())
		s.Frames++
		s.Counts[msg.Kind()]++
		s.LastSeen = now
		switch v := msg.(type) {
		case protocol.Heartbeat:
			s.DeviceType = v.DeviceType
			s.Version = v.Version
			s.State = v.State
			s.Uptime = v.Uptime
		case protocol.InputState:
			s.IO.InputMask = v.InputMask
			s.IO.FaultMask = v.FaultMask
			s.IO.Analog = v.Analog
		case protocol.OutputCommand:
			s.IO.OutputMask = v.Mask
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("Undecodable frame", zap.Stringer("frame", f), zap.Error(err))
	}
	if m.OnFrame != nil {
		m.OnFrame(f, msg, err)
	}
	return msg, err
}

// summary runs with m.mu held.
func (m *Monitor) summary(id protocol.NodeID) *NodeSummary {
	s, ok := m.nodes[id]
	if !ok {
		s = &NodeSummary{NodeID: id, Counts: make(map[protocol.Kind]uint64)}
		m.nodes[id] = s
	}
	return s
}

// Table returns a copy of all summaries ordered by node id.
func (m *Monitor) Table() []NodeSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeSummary, 0, len(m.nodes))
	for _, s := range m.nodes {
		c := *s
		c.Counts = make(map[protocol.Kind]uint64, len(s.Counts))
		for k, v := range s.Counts {
			c.Counts[k] = v
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Malformed returns the number of frames that failed to decode.
func (m *Monitor) Malformed() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.malformed
}

// WriteTable prints summaries as an aligned text table.
func WriteTable(w io.Writer, rows []NodeSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTYPE\tSTATE\tUPTIME\tOUT\tIN\tFAULT\tANALOG\tFRAMES\tERRORS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t0x%02X\t%s\t%ds\t%08b\t%08b\t%08b\t%d/%d/%d\t%d\t%d\n",
			r.NodeID, r.DeviceType, r.State, r.Uptime,
			r.IO.OutputMask, r.IO.InputMask, r.IO.FaultMask,
			r.IO.Analog[0], r.IO.Analog[1], r.IO.Analog[2],
			r.Frames, r.Errors)
	}
	return tw.Flush()
}
