package mock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

func TestScenarioParity(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	if err != nil || len(files) == 0 {
		t.Fatalf("no scenarios: %v", err)
	}
	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			sc, err := LoadScenario(file)
			if err != nil {
				t.Fatal(err)
			}
			res, err := RunScenario(context.Background(), sc, zaptest.NewLogger(t))
			if err != nil {
				for i, f := range res.frames() {
					t.Logf("%2d %s", i, f)
				}
				t.Fatal(err)
			}
		})
	}
}

func (r *Result) frames() []canbus.Frame {
	if r == nil {
		return nil
	}
	return r.Frames
}

func TestScenarioIsDeterministic(t *testing.T) {
	sc, err := LoadScenario("testdata/fault_blocked.yaml")
	if err != nil {
		t.Fatal(err)
	}
	sc.Expect = nil
	a, err := RunScenario(context.Background(), sc, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RunScenario(context.Background(), sc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareFrames(a.Frames, b.Frames); err != nil {
		t.Fatal(err)
	}
	// Output channels read back their driven level, so they produce edges too.
	want := []protocol.Edge{
		{Channel: 1, Rising: true}, {Channel: 3, Rising: true}, // 0x00 -> 0x0A
		{Channel: 1, Rising: false}, {Channel: 4, Rising: true}, {Channel: 5, Rising: true},
		{Channel: 6, Rising: true}, {Channel: 7, Rising: true}, // 0x0A -> 0xF8
		{Channel: 1, Rising: true}, {Channel: 2, Rising: true}, {Channel: 4, Rising: false},
		{Channel: 5, Rising: false}, {Channel: 6, Rising: false}, {Channel: 7, Rising: false}, // 0xF8 -> 0x0E
		{Channel: 0, Rising: true}, // set_input
	}
	if len(a.Edges) != len(want) {
		t.Fatalf("edges = %v, want %v", a.Edges, want)
	}
	for i := range want {
		if a.Edges[i] != want[i] {
			t.Fatalf("edge %d = %v, want %v (all: %v)", i, a.Edges[i], want[i], a.Edges)
		}
	}
}

func TestScenarioMismatchReported(t *testing.T) {
	sc, err := LoadScenario("testdata/heartbeat_only.yaml")
	if err != nil {
		t.Fatal(err)
	}
	sc.Expect[1] = "001#01C90200000000"
	_, err = RunScenario(context.Background(), sc, nil)
	if !errors.Is(err, ErrStreamMismatch) {
		t.Fatalf("err = %v, want ErrStreamMismatch", err)
	}
}

func TestScenarioSchema(t *testing.T) {
	cases := map[string]string{
		"unknown step":   "name: x\nnode_id: 1\nsteps:\n  - jump: 1\n",
		"node too large": "name: x\nnode_id: 200\nsteps: []\n",
		"two actions":    "name: x\nnode_id: 1\nsteps:\n  - advance: 1\n    output: 3\n",
		"bad duration":   "name: x\nnode_id: 1\nscan_period: fast\nsteps: []\n",
		"bad fault":      "name: x\nnode_id: 1\nsteps:\n  - fault: {channel: 1, kind: smoke}\n",
		"bad expect":     "name: x\nnode_id: 1\nsteps: []\nexpect: ['12#00']\n",
	}
	for name, doc := range cases {
		if _, err := ParseScenario([]byte(doc)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}

	ok := "name: x\nnode_id: 1\nsteps:\n  - command: {code: identify, arg: 100}\n  - advance: 1\n"
	if _, err := ParseScenario([]byte(ok)); err != nil {
		t.Fatalf("valid scenario rejected: %v", err)
	}
}

func TestStepMode(t *testing.T) {
	m, err := New(DefaultConfig(2), sinkBus{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.InjectMessage(protocol.OutputCommand{NodeID: 2, Mask: 0x30}); err != nil {
		t.Fatal(err)
	}
	if err := m.Step(ctx); err != nil {
		t.Fatal(err)
	}
	io, st := m.Snapshot()
	if io.OutputMask != 0x30 || io.InputMask != 0x30 || st != protocol.StateRunning {
		t.Fatalf("snapshot %+v %s", io, st)
	}

	if err := m.InjectFault(node.DeviceChannel, node.FaultThermal); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, st := m.Snapshot(); st != protocol.StateFault {
		t.Fatalf("state = %s", st)
	}
	if f := m.Faults(); len(f) != 1 || f[0].Kind != node.FaultThermal {
		t.Fatalf("faults = %v", f)
	}
	if m.Uptime() != 3*m.Config().ScanPeriod {
		t.Fatalf("uptime = %s", m.Uptime())
	}
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.ScanPeriod = time.Millisecond
	cfg.HeartbeatPeriod = 5 * time.Millisecond
	m, err := New(cfg, sinkBus{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start: %v", err)
	}
	if err := m.Step(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("Step while running: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Frames()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no frames while running")
		}
		time.Sleep(time.Millisecond)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestHostAgainstMock(t *testing.T) {
	logger := zaptest.NewLogger(t)
	vbus := canbus.NewVirtualBus(0)
	defer vbus.Close()

	cfg := DefaultConfig(9)
	cfg.ScanPeriod = 2 * time.Millisecond
	cfg.HeartbeatPeriod = 10 * time.Millisecond
	m, err := New(cfg, vbus.Open("mock"), logger)
	if err != nil {
		t.Fatal(err)
	}
	hostBus := vbus.Open("host")
	mux := canbus.NewMux(hostBus, logger)
	defer mux.Close()
	d, err := host.NewDriver(9, hostBus, logger, host.Options{})
	if err != nil {
		t.Fatal(err)
	}
	frames, unsubscribe := mux.Subscribe(protocol.ByNode(9), 64)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go d.Run(ctx, frames)
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := d.WaitAlive(ctx, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	_ = m.InjectFault(5, node.FaultOpenLoad)
	deadline := time.Now().Add(2 * time.Second)
	for d.State().State != protocol.StateFault {
		if time.Now().After(deadline) {
			t.Fatalf("host never saw FAULT: %+v", d.State())
		}
		time.Sleep(time.Millisecond)
	}
	p5, _ := d.Pin(5)
	if !p5.Faulted() {
		// InputState may trail the heartbeat by one tick
		if err := d.RequestState(ctx); err != nil {
			t.Fatal(err)
		}
		for !p5.Faulted() {
			if time.Now().After(deadline) {
				t.Fatal("fault bit never reported")
			}
			time.Sleep(time.Millisecond)
		}
	}

	m.RemoveFault(5, node.FaultOpenLoad)
	if err := d.ClearErrors(ctx); err != nil {
		t.Fatal(err)
	}
	for d.State().State != protocol.StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("host never saw IDLE: %+v", d.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}
