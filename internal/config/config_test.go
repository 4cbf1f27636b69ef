package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.Interface != "virtual" || cfg.Bus.Channel != "vcan0" {
		t.Fatalf("bus = %+v", cfg.Bus)
	}
	if cfg.Host.AliveTimeout != 500*time.Millisecond || cfg.Host.ExpectedVersion != protocol.ProtocolVersion {
		t.Fatalf("host = %+v", cfg.Host)
	}
	if cfg.Server.HTTPPort != 8080 || cfg.MQTT.Enabled() {
		t.Fatalf("server = %+v mqtt = %+v", cfg.Server, cfg.MQTT)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
bus:
  interface: socketcan
  channel: can1
nodes:
  - id: 1
    name: left
  - id: 2
    name: right
mocks:
  - node_id: 2
    inputs: 15
    scan_period: 5ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.Interface != "socketcan" || cfg.Bus.Channel != "can1" {
		t.Fatalf("bus = %+v", cfg.Bus)
	}
	if len(cfg.Nodes) != 2 || cfg.Nodes[1].Name != "right" {
		t.Fatalf("nodes = %+v", cfg.Nodes)
	}
	m := cfg.Mocks[0]
	if m.NodeID != 2 || m.Inputs != 0x0F || m.ScanPeriod != 5*time.Millisecond {
		t.Fatalf("mock = %+v", m)
	}
	if m.HeartbeatPeriod != 100*time.Millisecond || m.DeviceType != protocol.DeviceTypeMock {
		t.Fatalf("mock defaults not applied: %+v", m)
	}
}

func TestLegacyEnvironment(t *testing.T) {
	t.Setenv("CAN_INTERFACE", "slcan")
	t.Setenv("CAN_CHANNEL", "/dev/ttyACM0")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.Interface != "slcan" || cfg.Bus.Channel != "/dev/ttyACM0" {
		t.Fatalf("bus = %+v", cfg.Bus)
	}

	t.Setenv("RIO_BUS_CHANNEL", "/dev/ttyUSB1")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.Channel != "/dev/ttyUSB1" {
		t.Fatalf("RIO_BUS_CHANNEL not preferred: %q", cfg.Bus.Channel)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad interface": "bus:\n  interface: token-ring\n",
		"duplicate":     "nodes:\n  - id: 1\n  - id: 1\n",
		"node range":    "nodes:\n  - id: 130\n",
		"mock period":   "mocks:\n  - node_id: 1\n    scan_period: 10ms\n    heartbeat_period: 1ms\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "RIO_TEST_SECRET"}
	if a.IsProductionReady() {
		t.Fatal("dev secret reported production ready")
	}
	t.Setenv("RIO_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	if !a.IsProductionReady() {
		t.Fatal("32 byte secret not accepted")
	}
}
