package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/node"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

const devSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Bus      BusConfig      `mapstructure:"bus"`
	Host     HostConfig     `mapstructure:"host"`
	Nodes    []NodeEntry    `mapstructure:"nodes"`
	Mocks    []MockEntry    `mapstructure:"mocks"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Profiles ProfilesConfig `mapstructure:"node_profiles"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the optional frame journal.
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	// sha256 hashes of long-lived machine tokens, see `remoteio token --machine`
	MachineTokens []MachineTokenEntry `mapstructure:"machine_tokens"`
}

type MachineTokenEntry struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
	Role string `mapstructure:"role"`
}

// BusConfig selects the CAN channel. CAN_INTERFACE and CAN_CHANNEL are
// honored as well as RIO_BUS_INTERFACE and RIO_BUS_CHANNEL.
type BusConfig struct {
	Interface  string `mapstructure:"interface"`
	Channel    string `mapstructure:"channel"`
	SerialBaud int    `mapstructure:"serial_baud"`
	Bitrate    int    `mapstructure:"bitrate"`
	LogFrames  bool   `mapstructure:"log_frames"`
}

func (b BusConfig) Options() canbus.Options {
	return canbus.Options{
		Interface:  b.Interface,
		Channel:    b.Channel,
		SerialBaud: b.SerialBaud,
		Bitrate:    b.Bitrate,
	}
}

type HostConfig struct {
	ExpectedVersion uint8         `mapstructure:"expected_version"`
	AliveTimeout    time.Duration `mapstructure:"alive_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
}

// NodeEntry is one remote node the host drives.
type NodeEntry struct {
	ID      uint8  `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Profile string `mapstructure:"profile"`
}

// MockEntry is a simulated node hosted by this process.
type MockEntry struct {
	node.Config `mapstructure:",squash"`
	Enabled     bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Broker    string `mapstructure:"broker"`
	BaseTopic string `mapstructure:"base_topic"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

// Load reads the YAML file at path, if any, and applies defaults and
// environment overrides. An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment Variables mit Prefix RIO_
	v.SetEnvPrefix("RIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("bus.interface", "RIO_BUS_INTERFACE", "CAN_INTERFACE")
	_ = v.BindEnv("bus.channel", "RIO_BUS_CHANNEL", "CAN_CHANNEL")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for i := range config.Mocks {
		config.Mocks[i].fill()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.flush_interval", "1s")
	v.SetDefault("database.batch_size", 256)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("bus.interface", canbus.InterfaceVirtual)
	v.SetDefault("bus.channel", "vcan0")
	v.SetDefault("bus.serial_baud", 115200)
	v.SetDefault("bus.bitrate", 500000)

	v.SetDefault("host.expected_version", protocol.ProtocolVersion)
	v.SetDefault("host.alive_timeout", "500ms")
	v.SetDefault("host.poll_interval", "100ms")
	v.SetDefault("host.send_timeout", "100ms")

	v.SetDefault("mqtt.base_topic", "remoteio")
}

// fill applies the mock defaults to zero fields.
func (m *MockEntry) fill() {
	def := node.DefaultConfig(m.NodeID)
	if m.DeviceType == 0 {
		m.DeviceType = protocol.DeviceTypeMock
	}
	if m.ScanPeriod == 0 {
		m.ScanPeriod = def.ScanPeriod
	}
	if m.HeartbeatPeriod == 0 {
		m.HeartbeatPeriod = def.HeartbeatPeriod
	}
	if m.StatePeriod == 0 {
		m.StatePeriod = def.StatePeriod
	}
}

func (c *Config) Validate() error {
	switch c.Bus.Interface {
	case canbus.InterfaceVirtual, canbus.InterfaceSocketCAN, canbus.InterfaceSLCAN:
	default:
		return fmt.Errorf("bus.interface: unknown interface %q", c.Bus.Interface)
	}
	seen := make(map[uint8]bool)
	for _, n := range c.Nodes {
		if !protocol.NodeID(n.ID).Valid() {
			return fmt.Errorf("nodes: id %d out of range", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes: duplicate id %d", n.ID)
		}
		seen[n.ID] = true
	}
	for i := range c.Mocks {
		if err := c.Mocks[i].Config.Validate(); err != nil {
			return fmt.Errorf("mocks[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
