package system

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/KevinKickass/OpenRemoteIO/internal/api/health"
	"github.com/KevinKickass/OpenRemoteIO/internal/api/rest"
	"github.com/KevinKickass/OpenRemoteIO/internal/api/websocket"
	"github.com/KevinKickass/OpenRemoteIO/internal/auth"
	"github.com/KevinKickass/OpenRemoteIO/internal/canbus"
	"github.com/KevinKickass/OpenRemoteIO/internal/config"
	"github.com/KevinKickass/OpenRemoteIO/internal/devices"
	"github.com/KevinKickass/OpenRemoteIO/internal/host"
	"github.com/KevinKickass/OpenRemoteIO/internal/interfaces"
	"github.com/KevinKickass/OpenRemoteIO/internal/mock"
	"github.com/KevinKickass/OpenRemoteIO/internal/mqtt"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
	"github.com/KevinKickass/OpenRemoteIO/internal/storage"
)

// LifecycleManager owns the bus and everything attached to it.
type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	vbus        *canbus.VirtualBus
	ownVBus     bool
	bus         canbus.Bus
	mockBuses   []canbus.Bus
	mux         *canbus.Mux
	nodeManager *devices.Manager
	mocks       []*mock.Mock

	db      *storage.PostgresClient
	journal *storage.Journal

	wsHub        *websocket.Hub
	restServer   *rest.Server
	healthServer *health.Server
	mqttClient   *mqtt.Client
	authService  *auth.AuthService

	// Serve-Optionen
	listen bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

type Option func(*LifecycleManager)

// WithoutListeners skips the HTTP and gRPC listeners; the REST handler is
// still built and reachable through RESTHandler.
func WithoutListeners() Option {
	return func(lm *LifecycleManager) { lm.listen = false }
}

// WithVirtualBus attaches to an existing virtual bus instead of a new one.
func WithVirtualBus(vbus *canbus.VirtualBus) Option {
	return func(lm *LifecycleManager) { lm.vbus = vbus }
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, opts ...Option) *LifecycleManager {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		listen:       true,
		currentState: StateInitializing,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Start opens the bus and starts all configured services.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenRemoteIO",
		zap.String("interface", lm.config.Bus.Interface),
		zap.String("channel", lm.config.Bus.Channel))

	ctx, cancel := context.WithCancel(ctx)
	lm.cancel = cancel

	if err := lm.start(ctx); err != nil {
		lm.setState(StateError)
		cancel()
		lm.stopMocks()
		lm.closeBus()
		return err
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("nodes", len(lm.nodeManager.ListNodes())),
		zap.Int("mocks", len(lm.mocks)),
		zap.Bool("journal", lm.journal != nil),
		zap.Bool("mqtt", lm.mqttClient != nil),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))
	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	if err := lm.openBus(ctx); err != nil {
		return err
	}
	if err := lm.startMocks(ctx); err != nil {
		return err
	}
	if err := lm.startNodes(ctx); err != nil {
		return err
	}
	if err := lm.startJournal(ctx); err != nil {
		return err
	}

	lm.wsHub = websocket.NewHub(lm.logger)
	lm.goRun(func() { lm.wsHub.Run(ctx) })
	lm.goRun(func() { lm.wsHub.Forward(ctx, lm.nodeManager.Streamer()) })
	lm.forwardFrames(ctx, lm.wsHub.BroadcastFrame)

	if lm.config.Auth.Enabled {
		lm.authService = auth.NewAuthService(lm.config.Auth)
		if !lm.config.Auth.IsProductionReady() {
			lm.logger.Warn("JWT secret is the development default or too short",
				zap.String("env", lm.config.Auth.JWTSecretEnv))
		}
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	if lm.listen {
		if err := lm.restServer.Start(); err != nil {
			return fmt.Errorf("failed to start REST API: %w", err)
		}
		if err := lm.healthServer.Start(lm.config.Server.GRPCPort); err != nil {
			return fmt.Errorf("failed to start gRPC: %w", err)
		}
	}

	return lm.startMQTT(ctx)
}

func (lm *LifecycleManager) goRun(fn func()) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		fn()
	}()
}

func (lm *LifecycleManager) openBus(ctx context.Context) error {
	if lm.config.Bus.Interface == canbus.InterfaceVirtual && lm.vbus == nil {
		lm.vbus = canbus.NewVirtualBus(0)
		lm.ownVBus = true
	}
	opts := lm.config.Bus.Options()
	opts.Channel = "host"
	if lm.config.Bus.Interface != canbus.InterfaceVirtual {
		opts.Channel = lm.config.Bus.Channel
	}

	bus, err := canbus.Open(ctx, opts, lm.vbus)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	if lm.config.Bus.LogFrames {
		bus = canbus.NewLoggedBus(bus, lm.logger.Named("bus"), zapcore.DebugLevel, canbus.LogAll, nil)
	}
	lm.bus = canbus.NewSharedBus(bus)
	lm.mux = canbus.NewMux(lm.bus, lm.logger)
	return nil
}

func (lm *LifecycleManager) startMocks(ctx context.Context) error {
	for _, entry := range lm.config.Mocks {
		if !entry.Enabled {
			continue
		}
		if lm.config.Bus.Interface == canbus.InterfaceSLCAN {
			lm.logger.Warn("Mocks need a shareable bus, skipping",
				zap.Uint8("node_id", uint8(entry.NodeID)),
				zap.String("interface", lm.config.Bus.Interface))
			continue
		}
		opts := lm.config.Bus.Options()
		if lm.config.Bus.Interface == canbus.InterfaceVirtual {
			opts.Channel = fmt.Sprintf("mock-%d", entry.NodeID)
		}
		bus, err := canbus.Open(ctx, opts, lm.vbus)
		if err != nil {
			return fmt.Errorf("mock %d: %w", entry.NodeID, err)
		}
		m, err := mock.New(entry.Config, bus, lm.logger.Named("mock"))
		if err != nil {
			bus.Close()
			return fmt.Errorf("mock %d: %w", entry.NodeID, err)
		}
		lm.mockBuses = append(lm.mockBuses, bus)
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("mock %d: %w", entry.NodeID, err)
		}
		lm.mocks = append(lm.mocks, m)
	}
	return nil
}

func (lm *LifecycleManager) startNodes(ctx context.Context) error {
	mgr, err := devices.NewManager(lm.config.Profiles.SearchPaths, lm.bus, host.Options{
		ExpectedVersion: lm.config.Host.ExpectedVersion,
		AliveTimeout:    lm.config.Host.AliveTimeout,
	}, lm.logger)
	if err != nil {
		return fmt.Errorf("failed to create node manager: %w", err)
	}
	lm.nodeManager = mgr

	for _, n := range lm.config.Nodes {
		if _, err := mgr.AddNode(protocol.NodeID(n.ID), n.Name, n.Profile); err != nil {
			return fmt.Errorf("node %d: %w", n.ID, err)
		}
	}
	// Mocks ohne Eintrag in nodes trotzdem fahren
	for _, m := range lm.mocks {
		id := m.Config().NodeID
		if _, ok := mgr.GetNode(id); ok {
			continue
		}
		if _, err := mgr.AddNode(id, fmt.Sprintf("mock-%d", id), ""); err != nil {
			return fmt.Errorf("mock node %d: %w", id, err)
		}
	}

	lm.healthServer = health.NewServer(lm.logger)
	lm.healthServer.SetBus(true)
	for _, n := range mgr.ListNodes() {
		lm.healthServer.SetNode(n.ID, false)
	}
	mgr.Attach(ctx, lm.mux, lm.config.Host.PollInterval, lm.healthServer.SetNode)
	return nil
}

func (lm *LifecycleManager) startJournal(ctx context.Context) error {
	if !lm.config.Database.Enabled {
		return nil
	}
	db, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return err
	}
	lm.db = db
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	session, err := db.StartSession(ctx, lm.config.Bus.Interface, lm.config.Bus.Channel)
	if err != nil {
		return err
	}

	lm.journal = storage.NewJournal(db, session.ID, lm.config.Database.FlushInterval, lm.config.Database.BatchSize, lm.logger.Named("journal"))
	lm.goRun(func() { lm.journal.Run(ctx) })
	lm.forwardFrames(ctx, lm.journal.Record)

	lm.logger.Info("Frame journal started", zap.String("session_id", session.ID.String()))
	return nil
}

// forwardFrames feeds every received frame to fn.
func (lm *LifecycleManager) forwardFrames(ctx context.Context, fn func(canbus.Frame)) {
	frames, unsubscribe := lm.mux.Subscribe(nil, 256)
	lm.goRun(func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				fn(f)
			}
		}
	})
}

func (lm *LifecycleManager) startMQTT(ctx context.Context) error {
	if !lm.config.MQTT.Enabled() {
		return nil
	}
	client, err := mqtt.New(mqtt.Options{
		BrokerURL: lm.config.MQTT.Broker,
		Username:  lm.config.MQTT.Username,
		Password:  lm.config.MQTT.Password,
	})
	if err != nil {
		return err
	}
	lm.mqttClient = client

	bridge := mqtt.NewBridge(client, lm.config.MQTT.BaseTopic, lm.logger.Named("mqtt"))
	for _, n := range lm.nodeManager.ListNodes() {
		bridge.Register(n.ID, mqtt.HostTarget{Driver: n.Driver})
	}
	lm.goRun(func() {
		if err := bridge.Run(ctx, lm.config.Host.PollInterval); err != nil {
			lm.logger.Error("MQTT bridge stopped", zap.Error(err))
		}
	})
	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. Listener zuerst, keine neuen Kommandos
	if lm.restServer != nil && lm.listen {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}
	if lm.healthServer != nil && lm.listen {
		lm.healthServer.Stop(ctx)
	}

	// 2. Drivers and poller
	if lm.nodeManager != nil {
		if err := lm.nodeManager.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("node manager stop failed: %w", err))
		}
	}

	// 3. Background loops (hub, journal, bridge, mocks)
	if lm.cancel != nil {
		lm.cancel()
	}
	if err := lm.stopMocks(); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	if lm.mqttClient != nil {
		lm.mqttClient.Close()
	}
	lm.closeBus()
	if lm.db != nil {
		lm.db.Close()
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) stopMocks() error {
	var errs []error
	for _, m := range lm.mocks {
		if err := m.Stop(); err != nil && !errors.Is(err, mock.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("mock %d: %w", m.Config().NodeID, err))
		}
	}
	for _, b := range lm.mockBuses {
		b.Close()
	}
	lm.mockBuses = nil
	return errors.Join(errs...)
}

func (lm *LifecycleManager) closeBus() {
	if lm.mux != nil {
		lm.mux.Close()
	}
	if lm.bus != nil {
		lm.bus.Close()
	}
	if lm.ownVBus {
		lm.vbus.Close()
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:     lm.State().String(),
		Interface: lm.config.Bus.Interface,
		Channel:   lm.config.Bus.Channel,
		MockCount: len(lm.mocks),
		Journal:   lm.journal != nil,
	}
	if lm.nodeManager != nil {
		nodes := lm.nodeManager.ListNodes()
		status.NodeCount = len(nodes)
		for _, n := range nodes {
			if n.Driver.Alive() {
				status.AliveNodes++
			}
		}
	}
	if lm.mux != nil {
		status.DroppedFrames = lm.mux.Dropped()
	}
	return status
}

// NodeManager returns the node registry
func (lm *LifecycleManager) NodeManager() *devices.Manager {
	return lm.nodeManager
}

// Frames returns the journal reader, nil without database.
func (lm *LifecycleManager) Frames() storage.FrameReader {
	if lm.db == nil {
		return nil
	}
	return lm.db
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Mocks returns the simulated nodes hosted by this process.
func (lm *LifecycleManager) Mocks() []*mock.Mock {
	return lm.mocks
}

// RESTHandler returns the HTTP handler of the REST API.
func (lm *LifecycleManager) RESTHandler() http.Handler {
	return lm.restServer.Handler()
}
