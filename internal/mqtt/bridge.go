// Package mqtt bridges nodes to an MQTT broker. Node state is published
// retained on <base>/<node>/state; commands are accepted on
// <base>/<node>/cmd as {"cmd": "set_pin", "args": {"pin": 0, "state": 1}}.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

var ErrUnknownCommand = errors.New("unknown command")

// StatePayload is the retained state message of one node.
type StatePayload struct {
	NodeID  protocol.NodeID `json:"node_id"`
	State   protocol.State  `json:"state"`
	Alive   bool            `json:"alive"`
	Outputs uint8           `json:"outputs"`
	Inputs  uint8           `json:"inputs"`
	Faults  uint8           `json:"faults"`
	Analog  [3]uint16       `json:"analog"`
	Uptime  uint32          `json:"uptime_seconds"`
}

// Target is a node the bridge can command.
type Target interface {
	SetPin(ctx context.Context, ch int, level bool) error
	SetOutputs(ctx context.Context, mask uint8) error
	ClearErrors(ctx context.Context) error
	State() StatePayload
}

// FaultTarget is implemented by simulated nodes.
type FaultTarget interface {
	InjectFault(ch int, kind node.FaultKind) error
	RemoveFault(ch int, kind node.FaultKind)
}

// Command is the JSON body of a cmd message.
type Command struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

type setPinArgs struct {
	Pin   int   `json:"pin"`
	State level `json:"state"`
}

type setOutputsArgs struct {
	Mask uint8 `json:"mask"`
}

type faultArgs struct {
	Channel int    `json:"channel"`
	Kind    string `json:"kind"`
	Active  level  `json:"active"`
}

// level accepts true/false as well as 1/0.
type level bool

func (l *level) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", "1":
		*l = true
	case "false", "0":
		*l = false
	default:
		return fmt.Errorf("invalid level %s", b)
	}
	return nil
}

func StateTopic(base string, id protocol.NodeID) string {
	return fmt.Sprintf("%s/%d/state", base, id)
}

func CommandTopic(base string, id protocol.NodeID) string {
	return fmt.Sprintf("%s/%d/cmd", base, id)
}

type Bridge struct {
	conn    Conn
	base    string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	targets map[protocol.NodeID]Target
	last    map[protocol.NodeID][]byte
}

func NewBridge(conn Conn, baseTopic string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseTopic == "" {
		baseTopic = "remoteio"
	}
	return &Bridge{
		conn:    conn,
		base:    strings.TrimSuffix(baseTopic, "/"),
		timeout: time.Second,
		logger:  logger,
		targets: make(map[protocol.NodeID]Target),
		last:    make(map[protocol.NodeID][]byte),
	}
}

func (b *Bridge) Register(id protocol.NodeID, t Target) {
	b.mu.Lock()
	b.targets[id] = t
	b.mu.Unlock()
}

// Run subscribes to the command topics and publishes changed state every
// interval until ctx is done.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) error {
	topic := b.base + "/+/cmd"
	if err := b.conn.Subscribe(topic, 1, func(topic string, payload []byte) {
		b.Handle(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	b.logger.Info("MQTT bridge started", zap.String("topic", topic))

	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b.PublishChanged()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PublishChanged publishes the state of every node whose payload differs
// from the last published one.
func (b *Bridge) PublishChanged() {
	b.mu.RLock()
	ids := make([]protocol.NodeID, 0, len(b.targets))
	targets := make([]Target, 0, len(b.targets))
	for id, t := range b.targets {
		ids = append(ids, id)
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for i, t := range targets {
		payload, err := json.Marshal(t.State())
		if err != nil {
			continue
		}
		b.mu.RLock()
		same := bytes.Equal(b.last[ids[i]], payload)
		b.mu.RUnlock()
		if same {
			continue
		}
		if err := b.conn.Publish(StateTopic(b.base, ids[i]), payload, 1, true); err != nil {
			b.logger.Warn("State publish failed", zap.Uint8("node_id", uint8(ids[i])), zap.Error(err))
			continue
		}
		b.mu.Lock()
		b.last[ids[i]] = payload
		b.mu.Unlock()
	}
}

// Handle executes one command message. Errors are logged; MQTT has no
// reply channel here.
func (b *Bridge) Handle(ctx context.Context, topic string, payload []byte) {
	if err := b.handle(ctx, topic, payload); err != nil {
		b.logger.Warn("MQTT command rejected",
			zap.String("topic", topic),
			zap.ByteString("payload", payload),
			zap.Error(err))
	}
}

func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) error {
	id, err := b.nodeFromTopic(topic)
	if err != nil {
		return err
	}
	b.mu.RLock()
	t, ok := b.targets[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %d not bridged", id)
	}

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	switch cmd.Cmd {
	case "set_pin":
		var args setPinArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return fmt.Errorf("set_pin: %w", err)
		}
		if args.Pin < 0 || args.Pin >= protocol.Channels {
			return fmt.Errorf("set_pin: pin %d out of range", args.Pin)
		}
		return t.SetPin(ctx, args.Pin, bool(args.State))
	case "set_outputs":
		var args setOutputsArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return fmt.Errorf("set_outputs: %w", err)
		}
		return t.SetOutputs(ctx, args.Mask)
	case "clear_errors":
		return t.ClearErrors(ctx)
	case "fault":
		ft, ok := t.(FaultTarget)
		if !ok {
			return fmt.Errorf("fault: node %d is not simulated", id)
		}
		var args faultArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return fmt.Errorf("fault: %w", err)
		}
		kind, err := node.ParseFaultKind(args.Kind)
		if err != nil {
			return err
		}
		if args.Active {
			return ft.InjectFault(args.Channel, kind)
		}
		ft.RemoveFault(args.Channel, kind)
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Cmd)
	}
}

func (b *Bridge) nodeFromTopic(topic string) (protocol.NodeID, error) {
	rest, ok := strings.CutPrefix(topic, b.base+"/")
	if !ok {
		return 0, fmt.Errorf("topic %q outside %s", topic, b.base)
	}
	idStr, ok := strings.CutSuffix(rest, "/cmd")
	if !ok {
		return 0, fmt.Errorf("topic %q is not a command topic", topic)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 || id > int(protocol.MaxNodeID) {
		return 0, fmt.Errorf("%w: %q", protocol.ErrInvalidNodeID, idStr)
	}
	return protocol.NodeID(id), nil
}
