package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

type recordSender struct {
	mu     sync.Mutex
	frames []canbus.Frame
	err    error
}

func (s *recordSender) Send(_ context.Context, f canbus.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordSender) last(t *testing.T) protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("nothing sent")
	}
	m, err := protocol.Decode(s.frames[len(s.frames)-1])
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDriver(t *testing.T) (*Driver, *recordSender, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := &recordSender{}
	d, err := NewDriver(4, s, zaptest.NewLogger(t), Options{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	return d, s, clock
}

func inputs(mask, faults uint8) canbus.Frame {
	return protocol.MustEncode(protocol.InputState{NodeID: 4, InputMask: mask, FaultMask: faults, Analog: [3]uint16{1, 2, 3}})
}

func heartbeat(version uint8, st protocol.State) canbus.Frame {
	return protocol.MustEncode(protocol.Heartbeat{NodeID: 4, Version: version, DeviceType: protocol.DeviceTypeMock, State: st, Uptime: 12})
}

func waitForWaiter(t *testing.T, d *Driver) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.RLock()
		n := len(d.waiters)
		d.mu.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no waiter registered")
}

func TestNewDriverRejectsNode(t *testing.T) {
	if _, err := NewDriver(128, &recordSender{}, nil, Options{}); !errors.Is(err, protocol.ErrInvalidNodeID) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleUpdatesView(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.Handle(inputs(0x05, 0x02))
	d.Handle(heartbeat(protocol.ProtocolVersion, protocol.StateFault))
	d.Handle(protocol.MustEncode(protocol.InputState{NodeID: 5, InputMask: 0xFF}))

	v := d.State()
	if v.IO.InputMask != 0x05 || v.IO.FaultMask != 0x02 || v.IO.Analog != [3]uint16{1, 2, 3} {
		t.Fatalf("IO = %+v", v.IO)
	}
	if v.State != protocol.StateFault || v.DeviceType != protocol.DeviceTypeMock || v.Uptime != 12 {
		t.Fatalf("view = %+v", v)
	}
	if v.Frames != 2 {
		t.Fatalf("Frames = %d", v.Frames)
	}

	p0, _ := d.Pin(0)
	p1, _ := d.Pin(1)
	if !p0.Read() || p1.Read() || !p1.Faulted() {
		t.Fatal("pin view does not match masks")
	}
	if _, err := d.Pin(8); err == nil {
		t.Fatal("Pin(8) accepted")
	}
}

func TestHandleMalformed(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.Handle(canbus.Frame{ID: 1<<7 | 4, Len: 3})
	d.Handle(canbus.Frame{ID: 9<<7 | 4})
	if v := d.State(); v.Malformed != 2 || v.HasInputs {
		t.Fatalf("view = %+v", v)
	}
}

func TestEdgesFromInputStates(t *testing.T) {
	d, _, _ := newTestDriver(t)
	events, cancel := d.Subscribe()
	defer cancel()

	for _, m := range []uint8{0, 0, 1, 1, 0} {
		d.Handle(inputs(m, 0))
	}

	var rising, falling int
	for len(events) > 0 {
		ev := <-events
		if ev.Type != EventEdge {
			continue
		}
		if ev.Edge.Rising {
			rising++
		} else {
			falling++
		}
	}
	if rising != 1 || falling != 1 {
		t.Fatalf("rising=%d falling=%d", rising, falling)
	}
}

func TestWaitEdge(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.Handle(inputs(0, 0))

	done := make(chan error, 1)
	var got Event
	go func() {
		var err error
		got, err = d.WaitEdge(context.Background(), 2, EdgeRising, time.Second)
		done <- err
	}()
	waitForWaiter(t, d)
	d.Handle(inputs(0x01, 0)) // other channel
	d.Handle(inputs(0x05, 0))

	if err := <-done; err != nil {
		t.Fatalf("WaitEdge: %v", err)
	}
	if got.Edge == nil || got.Edge.Channel != 2 || !got.Edge.Rising {
		t.Fatalf("event = %+v", got)
	}
}

func TestWaitEdgeTimeout(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.Handle(inputs(0x01, 0))
	before := d.State()

	pin, _ := d.Pin(0)
	_, err := pin.WaitEdge(context.Background(), EdgeRising, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if after := d.State(); after != before {
		t.Fatal("view changed by failed wait")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.waiters) != 0 {
		t.Fatal("waiter leaked")
	}
}

func TestWaitEdgeUnknownKind(t *testing.T) {
	d, _, _ := newTestDriver(t)
	for _, k := range []EdgeKind{0, EdgeAny + 1, 255} {
		start := time.Now()
		_, err := d.WaitEdge(context.Background(), 0, k, time.Minute)
		if !errors.Is(err, ErrUnknownEdge) {
			t.Fatalf("%s: err = %v, want ErrUnknownEdge", k, err)
		}
		if time.Since(start) > time.Second {
			t.Fatalf("%s: rejected only after %s", k, time.Since(start))
		}
	}
	if _, err := ParseEdgeKind("sideways"); !errors.Is(err, ErrUnknownEdge) {
		t.Fatalf("ParseEdgeKind err = %v", err)
	}
}

func TestWaitEdgeCancelled(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.WaitEdge(ctx, 0, EdgeAny, time.Minute)
		done <- err
	}()
	waitForWaiter(t, d)
	cancel()
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestProtocolMismatch(t *testing.T) {
	d, _, _ := newTestDriver(t)
	events, cancel := d.Subscribe()
	defer cancel()

	d.Handle(heartbeat(2, protocol.StateIdle))
	d.Handle(heartbeat(2, protocol.StateRunning))

	v := d.State()
	if !errors.Is(v.Mismatch, ErrProtocolMismatch) {
		t.Fatalf("Mismatch = %v", v.Mismatch)
	}
	if v.State != protocol.StateRunning {
		t.Fatal("driver stopped updating after mismatch")
	}
	var mismatches int
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventMismatch {
			mismatches++
		}
	}
	if mismatches != 1 {
		t.Fatalf("mismatch events = %d, want 1", mismatches)
	}

	d.Handle(heartbeat(protocol.ProtocolVersion, protocol.StateRunning))
	if d.State().Mismatch != nil {
		t.Fatal("mismatch not cleared by matching heartbeat")
	}
}

func TestAlive(t *testing.T) {
	d, _, clock := newTestDriver(t)
	if d.Alive() || !errors.Is(d.CheckAlive(), ErrNodeDead) {
		t.Fatal("alive before any heartbeat")
	}
	d.Handle(heartbeat(protocol.ProtocolVersion, protocol.StateIdle))
	if !d.Alive() {
		t.Fatal("not alive after heartbeat")
	}
	clock.Add(DefaultAliveTimeout + time.Millisecond)
	if d.Alive() {
		t.Fatal("alive after timeout")
	}
	if err := d.WaitAlive(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrNodeDead) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitAlive = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.WaitAlive(context.Background(), time.Second) }()
	time.Sleep(5 * time.Millisecond)
	d.Handle(heartbeat(protocol.ProtocolVersion, protocol.StateIdle))
	if err := <-done; err != nil {
		t.Fatalf("WaitAlive after heartbeat: %v", err)
	}
}

func TestPinWrite(t *testing.T) {
	d, s, _ := newTestDriver(t)
	d.Handle(inputs(0x81, 0))

	p3, _ := d.Pin(3)
	if err := p3.Write(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if m := s.last(t); m != (protocol.OutputCommand{NodeID: 4, Mask: 0x89}) {
		t.Fatalf("sent %#v", m)
	}

	// later input states no longer change the base mask
	d.Handle(inputs(0x00, 0))
	p0, _ := d.Pin(0)
	if err := p0.Write(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if m := s.last(t); m != (protocol.OutputCommand{NodeID: 4, Mask: 0x88}) {
		t.Fatalf("sent %#v", m)
	}
	if d.State().IO.OutputMask != 0x88 {
		t.Fatalf("OutputMask = 0x%02X", d.State().IO.OutputMask)
	}
}

func TestCommands(t *testing.T) {
	d, s, _ := newTestDriver(t)
	ctx := context.Background()

	if err := d.ClearErrors(ctx); err != nil {
		t.Fatal(err)
	}
	if m := s.last(t); m != (protocol.ClearErrors{NodeID: 4}) {
		t.Fatalf("sent %#v", m)
	}
	if err := d.Identify(ctx, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if m := s.last(t); m != (protocol.Command{NodeID: 4, Code: protocol.CommandIdentify, Argument: 2000}) {
		t.Fatalf("sent %#v", m)
	}
	if err := d.Command(ctx, 0x42, 0); !errors.Is(err, protocol.ErrUnsupportedCommand) {
		t.Fatalf("unknown code: %v", err)
	}
}

func TestSendErrorNotRetried(t *testing.T) {
	d, s, _ := newTestDriver(t)
	s.err = canbus.ErrNoAck
	err := d.SetOutputs(context.Background(), 0x01)
	if !errors.Is(err, canbus.ErrNoAck) {
		t.Fatalf("err = %v", err)
	}
	if d.State().IO.OutputMask != 0 {
		t.Fatal("requested mask updated after failed send")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) != 0 {
		t.Fatal("frame recorded after failure")
	}
}
