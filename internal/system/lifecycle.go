package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/api/rest"
	"github.com/KevinKickass/PendantCore/internal/api/websocket"
	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/KevinKickass/PendantCore/internal/engine"
	"github.com/KevinKickass/PendantCore/internal/interfaces"
	"github.com/KevinKickass/PendantCore/internal/metrics"
	"github.com/KevinKickass/PendantCore/internal/modbus"
	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/robot"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/KevinKickass/PendantCore/internal/storage"
	"github.com/KevinKickass/PendantCore/internal/streaming"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const safetyEventWriteTimeout = 2 * time.Second

type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	safety       *safety.Registry
	monitor      *safety.MonitorLoop
	modbusClient *modbus.Client

	teaching *teaching.Registry
	resolver *teaching.Resolver

	robot        *robot.Simulator
	connectivity recipe.Connectivity
	engine       *engine.StepEngine
	recipeHub    *recipe.Hub

	eventStreamer *streaming.EventStreamer
	streamService *streaming.EventStreamService
	authn         *auth.Authenticator
	wsHub         *websocket.Hub

	restServer *rest.Server
	grpcServer *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// NewLifecycleManager wires every component. db may be nil; the pendant
// then runs with in-memory teaching data and without recipe library and
// safety audit log.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, db *storage.PostgresClient, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		logger:       logger,
		currentState: StateInitializing,
	}
	lm.ctx, lm.cancel = context.WithCancel(context.Background())

	if err := lm.buildSafety(); err != nil {
		lm.cancel()
		return nil, err
	}

	if err := lm.buildTeaching(ctx); err != nil {
		lm.cancel()
		return nil, err
	}

	// Robot: motion always goes through the simulator, connectivity comes
	// from the controller's command port unless simulated
	lm.robot = robot.NewSimulator(cfg.Robot.MoveTimePerUnit, logger.Named("robot"))
	lm.connectivity = lm.robot
	if !cfg.Robot.Simulated {
		lm.connectivity = robot.NewTCPProbe(cfg.Robot.Address, cfg.Robot.ConnectTimeout, logger.Named("robot"))
	}

	executor := engine.NewStepExecutor(lm.robot, lm.resolver, logger.Named("engine"))
	lm.engine = engine.NewStepEngine(executor, logger.Named("engine"))
	lm.recipeHub = recipe.NewHub(recipe.HubConfig{
		ValidationDelay: cfg.Recipe.ValidationDelay,
		StopTimeout:     cfg.Recipe.StopTimeout,
	}, lm.engine, lm.safety, lm.connectivity, lm.resolver, logger.Named("recipe"))

	// Outer surfaces
	lm.eventStreamer = streaming.NewEventStreamer()
	lm.streamService = streaming.NewEventStreamService(lm.eventStreamer, lm.snapshot, logger.Named("stream"))
	lm.authn = auth.NewAuthenticator(cfg.Auth, logger.Named("auth"))
	lm.wsHub = websocket.NewHub(logger.Named("ws"), lm.authn)

	return lm, nil
}

func (lm *LifecycleManager) buildSafety() error {
	cfg := lm.config.Safety
	lm.safety = safety.NewRegistry(lm.logger.Named("safety"))

	for _, il := range cfg.Interlocks {
		if err := lm.safety.RegisterDevice(il.Name, il.Location, il.Description); err != nil {
			return fmt.Errorf("failed to register interlock %q: %w", il.Name, err)
		}
	}
	lm.safety.SetCriticalDevices(cfg.CriticalDevices)

	var ingestor safety.Ingestor
	switch cfg.Mode {
	case config.SafetyModeModbus:
		inputs := make([]modbus.InterlockInput, 0, len(cfg.Interlocks))
		for _, il := range cfg.Interlocks {
			in := modbus.InterlockInput{Name: il.Name, ClosedInput: uint16(il.ClosedInput)}
			if il.FaultInput != nil {
				fault := uint16(*il.FaultInput)
				in.FaultInput = &fault
			}
			inputs = append(inputs, in)
		}

		lm.modbusClient = modbus.NewClient(lm.config.Modbus.Address, lm.config.Modbus.Timeout)
		source, err := modbus.NewInterlockSource(lm.modbusClient, uint8(lm.config.Modbus.UnitID), inputs, lm.logger.Named("modbus"))
		if err != nil {
			return fmt.Errorf("failed to create interlock source: %w", err)
		}
		ingestor = safety.SourceIngestor{Source: source}

	default:
		lm.logger.Warn("Safety monitor runs in simulation mode, unknown interlocks are auto-closed")
		ingestor = safety.SimulationIngestor{}
	}

	lm.monitor = safety.NewMonitorLoop(lm.safety, ingestor, cfg.MonitorInterval, lm.logger.Named("safety"))
	return nil
}

func (lm *LifecycleManager) buildTeaching(ctx context.Context) error {
	name := lm.config.Recipe.TeachingProvider
	seeds := make([]teaching.Record, 0, len(lm.config.Teaching.Positions))
	for _, p := range lm.config.Teaching.Positions {
		seeds = append(seeds, teaching.Record{
			Group:    p.Group,
			Location: p.Location,
			Position: teaching.Position{R: p.R, Theta: p.Theta, Z: p.Z},
		})
	}

	lm.teaching = teaching.NewRegistry()
	lm.resolver = teaching.NewResolver(lm.teaching, name, lm.logger.Named("teaching"))

	if lm.storage == nil {
		lm.teaching.Register(name, teaching.NewMemoryProvider(seeds...))
		lm.logger.Info("Teaching data kept in memory", zap.Int("seeded", len(seeds)))
		return nil
	}

	provider := teaching.NewPersistentProvider(lm.storage, lm.logger.Named("teaching"))
	if err := provider.Load(ctx); err != nil {
		return err
	}

	// seeds never overwrite taught positions
	for _, s := range seeds {
		if _, ok, _ := provider.GetPosition(ctx, s.Group, s.Location); ok {
			continue
		}
		if err := provider.UpdatePosition(ctx, s.Group, s.Location, s.Position); err != nil {
			return fmt.Errorf("failed to seed teaching position %s/%s: %w", s.Group, s.Location, err)
		}
	}

	lm.teaching.Register(name, provider)
	return nil
}

// Start starts the entire system
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting PendantCore")

	if err := lm.startCore(ctx); err != nil {
		lm.setState(StateError)
		return err
	}

	// Start gRPC Server (EventStream)
	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	// Start REST API Server
	if err := lm.startRESTServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("safety_mode", lm.config.Safety.Mode),
		zap.Bool("robot_simulated", lm.config.Robot.Simulated),
		zap.Bool("storage", lm.storage != nil))

	return nil
}

// startCore brings up everything except the network listeners.
func (lm *LifecycleManager) startCore(ctx context.Context) error {
	metrics.RegisterMetrics()
	metrics.SetSafetyStatus(lm.safety.Status())
	metrics.SetRecipeState(lm.recipeHub.State())

	// subscribe before the monitor runs so the first transitions are seen
	safetyEvents := lm.safety.Subscribe()
	emergencyStops := lm.safety.SubscribeEmergencyStop()
	recipeEvents := lm.recipeHub.Subscribe()

	lm.wg.Add(4)
	go lm.forwardSafetyEvents(safetyEvents)
	go lm.abortOnEmergencyStop(emergencyStops)
	go lm.forwardRecipeEvents(recipeEvents)
	go func() {
		defer lm.wg.Done()
		lm.wsHub.Run(lm.ctx)
	}()

	// Audit-Log eigener Subscriber, eine langsame DB bremst sonst alles
	if lm.storage != nil {
		lm.wg.Add(1)
		go lm.recordSafetyEvents(lm.safety.Subscribe())
	}

	lm.recipeHub.Initialize(ctx)
	if lm.config.Robot.CheckInterval > 0 {
		lm.wg.Add(1)
		go lm.watchConnectivity(lm.config.Robot.CheckInterval)
	}

	if err := lm.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start safety monitor: %w", err)
	}
	return nil
}

func (lm *LifecycleManager) forwardSafetyEvents(events <-chan safety.Event) {
	defer lm.wg.Done()

	for ev := range events {
		metrics.ObserveSafetyEvent(ev)

		if msg, ok := websocket.FromSafetyEvent(ev); ok {
			lm.wsHub.Broadcast(msg)
		}
		if msg, err := streaming.SafetyMessage(ev); err != nil {
			lm.logger.Warn("Failed to encode safety event", zap.String("type", string(ev.Type)), zap.Error(err))
		} else {
			lm.eventStreamer.Broadcast(msg)
		}
	}
}

// abortOnEmergencyStop reads the dedicated stop channel, so a backlog of
// routine safety events can never hold back the abort.
func (lm *LifecycleManager) abortOnEmergencyStop(stops <-chan safety.Event) {
	defer lm.wg.Done()

	for ev := range stops {
		ctx, cancel := context.WithTimeout(context.Background(), lm.config.Recipe.StopTimeout)
		if err := lm.recipeHub.AbortForSafety(ctx, "emergency stop: "+ev.Reason); err != nil {
			lm.logger.Error("Safety abort incomplete",
				zap.String("source", ev.Source),
				zap.Error(err))
		}
		cancel()
	}
}

func (lm *LifecycleManager) forwardRecipeEvents(events <-chan recipe.Event) {
	defer lm.wg.Done()

	for ev := range events {
		metrics.ObserveRecipeEvent(ev)

		if msg, ok := websocket.FromRecipeEvent(ev); ok {
			lm.wsHub.Broadcast(msg)
		}
		if msg, err := streaming.RecipeMessage(ev); err != nil {
			lm.logger.Warn("Failed to encode recipe event", zap.String("type", string(ev.Type)), zap.Error(err))
		} else {
			lm.eventStreamer.Broadcast(msg)
		}
	}
}

func (lm *LifecycleManager) recordSafetyEvents(events <-chan safety.Event) {
	defer lm.wg.Done()

	for ev := range events {
		lm.recordSafetyEvent(ev)
	}
}

func (lm *LifecycleManager) recordSafetyEvent(ev safety.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), safetyEventWriteTimeout)
	defer cancel()

	if err := lm.storage.RecordSafetyEvent(ctx, ev); err != nil {
		lm.logger.Warn("Failed to record safety event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (lm *LifecycleManager) watchConnectivity(interval time.Duration) {
	defer lm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timeout := lm.config.Robot.ConnectTimeout
			if timeout <= 0 {
				timeout = interval
			}
			ctx, cancel := context.WithTimeout(lm.ctx, timeout)
			connected := lm.connectivity.Connected(ctx)
			cancel()
			lm.recipeHub.SetHardwareConnected(connected)
		case <-lm.ctx.Done():
			return
		}
	}
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

	// 1. Robot zuerst anhalten
	if err := lm.recipeHub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recipe hub close failed: %w", err))
	}

	// 2. Safety monitor
	lm.monitor.Stop()

	// 3. Streams beenden, sonst blockiert GracefulStop
	lm.eventStreamer.Close()

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")

			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				lm.grpcServer.Stop()
			}
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	// 4. Hintergrund-Goroutinen
	lm.cancel()
	lm.safety.Close()

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

	if lm.modbusClient != nil {
		if err := lm.modbusClient.Close(); err != nil {
			lm.logger.Warn("Failed to close modbus connection", zap.Error(err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.RegisterEventStreamServer(lm.grpcServer, lm.streamService)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "EventStream"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authn)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if state == lm.currentState {
		return
	}
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Rejected system state change", zap.Error(err))
		return
	}
	lm.logger.Info("System state changed",
		zap.String("from", lm.currentState.String()),
		zap.String("to", state.String()))
	lm.currentState = state
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	snap := lm.recipeHub.Snapshot()
	return interfaces.SystemStatus{
		State:             state.String(),
		Safety:            lm.safety.Status(),
		RecipeState:       snap.State,
		ActiveRecipe:      snap.RecipeName,
		HardwareConnected: snap.HardwareConnected,
		MonitorRunning:    lm.monitor.IsRunning(),
		StorageEnabled:    lm.storage != nil,
		LiveClients:       lm.wsHub.GetClientCount(),
	}
}

// snapshot feeds the gRPC Snapshot call. structpb only accepts plain JSON
// values, so the view goes through encoding/json once.
func (lm *LifecycleManager) snapshot(ctx context.Context) map[string]interface{} {
	view := struct {
		System     interfaces.SystemStatus `json:"system"`
		Recipe     recipe.Status           `json:"recipe"`
		Interlocks []safety.Device         `json:"interlocks"`
	}{
		System:     lm.GetCurrentStatus(),
		Recipe:     lm.recipeHub.Snapshot(),
		Interlocks: lm.safety.Devices(),
	}

	data, err := json.Marshal(view)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return out
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Safety() *safety.Registry {
	return lm.safety
}

func (lm *LifecycleManager) RecipeHub() *recipe.Hub {
	return lm.recipeHub
}

func (lm *LifecycleManager) Teaching() *teaching.Registry {
	return lm.teaching
}

// TeachingProvider returns the provider recipes currently resolve against.
func (lm *LifecycleManager) TeachingProvider() (teaching.Provider, bool) {
	return lm.resolver.Provider()
}

func (lm *LifecycleManager) RecipeStore() interfaces.RecipeStore {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

func (lm *LifecycleManager) SafetyEventLog() interfaces.SafetyEventLog {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

// EventStreamer exposes the fan-out used by the gRPC service.
func (lm *LifecycleManager) EventStreamer() *streaming.EventStreamer {
	return lm.eventStreamer
}
