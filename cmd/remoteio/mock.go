package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/mock"
	"github.com/KevinKickass/OpenRemoteIO/internal/mqtt"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

const toggleInterval = 500 * time.Millisecond

func runMock(args []string) error {
	fs, g := newFlagSet("mock")
	nodeID := fs.Uint8("node-id", 1, "node id (0-127)")
	inputs := fs.Uint8("inputs", 0x0F, "input direction mask")
	simInputs := fs.Bool("sim-inputs", false, "toggle the highest input channel every 500ms")
	broker := fs.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := g.logger()
	defer logger.Sync()

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Bus.Interface == canbus.InterfaceVirtual {
		return fmt.Errorf("mock needs a real bus, set bus.interface or CAN_INTERFACE")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := canbus.Open(ctx, cfg.Bus.Options(), nil)
	if err != nil {
		return err
	}
	defer bus.Close()

	nc := mock.DefaultConfig(protocol.NodeID(*nodeID))
	nc.Inputs = *inputs
	m, err := mock.New(nc, bus, logger)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	if *broker != "" {
		client, err := mqtt.New(mqtt.Options{
			BrokerURL: *broker,
			ClientID:  fmt.Sprintf("remoteio-mock-%d", *nodeID),
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		bridge := mqtt.NewBridge(client, cfg.MQTT.BaseTopic, logger.Named("mqtt"))
		bridge.Register(nc.NodeID, mqtt.NewMockTarget(m))
		go func() {
			if err := bridge.Run(ctx, cfg.Host.PollInterval); err != nil {
				logger.Error("MQTT bridge stopped", zap.Error(err))
			}
		}()
		logger.Info("MQTT bridge connected", zap.String("broker", *broker))
	}

	if *simInputs {
		go toggleInput(ctx, m, logger)
	}

	<-ctx.Done()
	return nil
}

// toggleInput flips the highest input channel until ctx is done.
func toggleInput(ctx context.Context, m *mock.Mock, logger *zap.Logger) {
	ch := -1
	for i := protocol.Channels - 1; i >= 0; i-- {
		if protocol.Bit(m.Config().Inputs, i) {
			ch = i
			break
		}
	}
	if ch < 0 {
		logger.Warn("No input channel to simulate")
		return
	}

	ticker := time.NewTicker(toggleInterval)
	defer ticker.Stop()
	level := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level = !level
			if err := m.SetInput(ch, level); err != nil {
				logger.Error("Toggle failed", zap.Int("channel", ch), zap.Error(err))
				return
			}
		}
	}
}

func runScenario(args []string) error {
	fs, g := newFlagSet("scenario")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: remoteio scenario FILE")
	}
	logger := g.logger()
	defer logger.Sync()

	sc, err := mock.LoadScenario(fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := mock.RunScenario(context.Background(), sc, logger)
	if res != nil {
		for _, f := range res.Frames {
			text, _ := f.MarshalText()
			fmt.Fprintln(os.Stdout, string(text))
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s: %d ticks, %d frames, %d edges\n", sc.Name, res.Ticks, len(res.Frames), len(res.Edges))
	return nil
}
