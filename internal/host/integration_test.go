package host

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

func TestDriverAgainstRunner(t *testing.T) {
	logger := zaptest.NewLogger(t)
	vbus := canbus.NewVirtualBus(0)
	defer vbus.Close()

	cfg := node.DefaultConfig(6)
	cfg.Inputs = 0x01
	cfg.ScanPeriod = 2 * time.Millisecond
	cfg.HeartbeatPeriod = 10 * time.Millisecond
	sim := node.NewSimIO()
	runner := node.NewRunner(node.New(cfg, sim), vbus.Open("node"), logger)

	hostBus := canbus.NewSharedBus(vbus.Open("host"))
	mux := canbus.NewMux(hostBus, logger)
	defer mux.Close()

	d, err := NewDriver(6, hostBus, logger, Options{})
	if err != nil {
		t.Fatal(err)
	}
	frames, unsubscribe := mux.Subscribe(protocol.ByNode(6), 64)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go d.Run(ctx, frames)
	runDone := make(chan struct{})
	go func() {
		_ = runner.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	if err := d.WaitAlive(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitAlive: %v", err)
	}

	// output on channel 4, confirmed through the readback
	p4, _ := d.Pin(4)
	if err := p4.Write(ctx, true); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !p4.Read() {
		if time.Now().After(deadline) {
			t.Fatalf("readback never confirmed, view %+v", d.State())
		}
		time.Sleep(time.Millisecond)
	}
	// the heartbeat may lag one period behind the InputState
	for d.State().State != protocol.StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s", d.State().State)
		}
		time.Sleep(time.Millisecond)
	}

	// input edge on channel 0
	result := make(chan error, 1)
	go func() {
		_, err := d.WaitEdge(ctx, 0, EdgeRising, 2*time.Second)
		result <- err
	}()
	waitForWaiter(t, d)
	_ = sim.SetInput(0, true)
	if err := <-result; err != nil {
		t.Fatalf("WaitEdge: %v", err)
	}
}
