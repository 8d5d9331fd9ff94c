package recipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/fanout"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine executes a whole recipe, one step at a time, and reports progress
// through its listeners. Pause, Resume and Stop return nil only once the
// engine has actually carried out the request.
type Engine interface {
	Execute(ctx context.Context, r *Recipe) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Subscribe(l EngineListener) (unsubscribe func())
}

type EngineListener interface {
	OnStepExecuting(step Step, index int)
	OnStepCompleted(step Step, index int, success bool)
	OnExecutionError(message string, cause error)
}

// SafetyGate is satisfied by *safety.Registry.
type SafetyGate interface {
	IsSafeForRobotOperation() bool
}

// Connectivity reports whether the robot controller is reachable.
type Connectivity interface {
	Connected(ctx context.Context) bool
}

// Positions resolves teaching coordinates and never fails; unresolved
// lookups return the default safe position with ok == false.
type Positions interface {
	Resolve(ctx context.Context, group, location string) (teaching.Position, bool)
}

type HubConfig struct {
	ValidationDelay time.Duration
	StopTimeout     time.Duration
}

const defaultStopTimeout = 5 * time.Second

// Hub owns the active recipe and its execution state. Public operations are
// serialised; the engine is never called while the state lock is held.
type Hub struct {
	logger       *zap.Logger
	cfg          HubConfig
	engine       Engine
	gate         SafetyGate
	connectivity Connectivity
	positions    Positions
	now          func() time.Time

	opMu sync.Mutex

	mu                sync.Mutex
	state             State
	recipe            *Recipe
	runID             uuid.UUID
	runDone           chan struct{}
	runCancel         context.CancelFunc
	stopping          bool
	runFinished       bool
	runErr            error
	currentStep       int
	totalSteps        int
	completedSteps    int
	errorCount        int
	statusText        string
	lastError         string
	hardwareConnected bool
	lastStateChange   time.Time
	lastReport        Report
	closed            bool

	events            *fanout.Fanout[Event]
	unsubscribeEngine func()
	baseCtx           context.Context
	cancelBase        context.CancelFunc
	closeOnce         sync.Once
	closeErr          error
}

func NewHub(cfg HubConfig, engine Engine, gate SafetyGate, connectivity Connectivity, positions Positions, logger *zap.Logger) *Hub {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		logger:       logger,
		cfg:          cfg,
		engine:       engine,
		gate:         gate,
		connectivity: connectivity,
		positions:    positions,
		now:          time.Now,
		state:        StateIdle,
		statusText:   "No recipe loaded",
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		events:       fanout.New[Event](subscriberBuffer),
	}
	h.lastStateChange = h.now()
	h.unsubscribeEngine = engine.Subscribe(engineBridge{h: h})

	return h
}

// Initialize queries the connectivity source once.
func (h *Hub) Initialize(ctx context.Context) {
	connected := false
	if h.connectivity != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("Connectivity check panicked", zap.Any("panic", r))
					connected = false
				}
			}()
			connected = h.connectivity.Connected(ctx)
		}()
	}

	h.SetHardwareConnected(connected)
}

func (h *Hub) SetHardwareConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hardwareConnected != connected {
		h.logger.Info("Robot connectivity changed", zap.Bool("connected", connected))
	}
	h.hardwareConnected = connected
}

func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hub) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{
		State:             h.state,
		CurrentStepIndex:  h.currentStep,
		TotalSteps:        h.totalSteps,
		CompletedSteps:    h.completedSteps,
		ErrorCount:        h.errorCount,
		Progress:          progress(h.currentStep, h.totalSteps),
		StatusText:        h.statusText,
		LastError:         h.lastError,
		HardwareConnected: h.hardwareConnected,
		LastStateChange:   h.lastStateChange,
	}
	if h.recipe != nil {
		st.RecipeID = h.recipe.ID
		st.RecipeName = h.recipe.Name
	}
	if h.runID != uuid.Nil {
		st.RunID = h.runID.String()
	}
	return st
}

// ActiveRecipe returns a copy of the loaded recipe.
func (h *Hub) ActiveRecipe() (*Recipe, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.recipe == nil {
		return nil, false
	}
	return h.recipe.clone(), true
}

// LastValidation returns the report of the most recent load.
func (h *Hub) LastValidation() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReport
}

func (h *Hub) CanExecute() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recipe != nil && h.hardwareConnected &&
		(h.state == StateReady || h.state == StatePaused)
}

func (h *Hub) CanPause() bool {
	return h.State() == StateExecuting
}

func (h *Hub) CanStop() bool {
	s := h.State()
	return s == StateExecuting || s == StatePaused
}

// ResolvePosition looks up a teaching coordinate, falling back to
// teaching.DefaultSafePosition.
func (h *Hub) ResolvePosition(ctx context.Context, group, location string) (teaching.Position, bool) {
	if h.positions == nil {
		return teaching.DefaultSafePosition, false
	}
	return h.positions.Resolve(ctx, group, location)
}

func (h *Hub) Subscribe() <-chan Event {
	return h.events.Subscribe()
}

func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.events.Unsubscribe(ch)
}

// LoadRecipe replaces the active recipe. An executing or paused run is
// stopped first. Structural defects put the Hub into Error; unresolved
// teaching coordinates are only logged.
func (h *Hub) LoadRecipe(ctx context.Context, r *Recipe) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}
	if r == nil {
		h.logger.Warn("Recipe load rejected", zap.String("reason", "no recipe given"))
		return ErrMissingRecipe
	}

	if s := h.State(); s == StateExecuting || s == StatePaused {
		h.logger.Info("Stopping active execution before load", zap.String("state", string(s)))
		if err := h.stop(ctx); err != nil {
			return err
		}
	}

	loaded := r.clone()
	if loaded.ID == "" {
		loaded.ID = uuid.NewString()
	}

	h.mu.Lock()
	h.recipe = nil
	h.totalSteps = 0
	err := h.transitionLocked(StateLoading, fmt.Sprintf("Loading recipe %s", loaded.Name))
	h.mu.Unlock()
	if err != nil {
		return h.reject("load", err)
	}

	if err := sleepCtx(ctx, h.cfg.ValidationDelay); err != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		e := newError(CodeLoadCancelled, "recipe load cancelled", err)
		h.recipe = nil
		h.totalSteps = 0
		h.failLocked(e)
		return e
	}

	report := Validate(ctx, loaded, func(ctx context.Context, group, location string) bool {
		_, ok := h.ResolvePosition(ctx, group, location)
		return ok
	})
	for _, w := range report.Warnings {
		h.logger.Warn("Recipe validation warning",
			zap.String("recipe", loaded.Name),
			zap.String("code", string(w.Code)),
			zap.String("path", w.Path),
			zap.String("message", w.Message))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastReport = report
	h.runID = uuid.Nil
	h.currentStep, h.completedSteps, h.errorCount = 0, 0, 0

	if !report.Valid {
		first := report.Errors[0]
		e := newError(first.Code, first.Message, nil)
		h.recipe = nil
		h.totalSteps = 0
		h.failLocked(e)
		return e
	}

	h.recipe = loaded
	h.totalSteps = len(loaded.Steps)
	h.lastError = ""

	h.logger.Info("Recipe loaded",
		zap.String("recipe_id", loaded.ID),
		zap.String("recipe", loaded.Name),
		zap.Int("steps", h.totalSteps),
		zap.Int("warnings", len(report.Warnings)))

	return h.transitionLocked(StateReady, fmt.Sprintf("Recipe %s ready (%d steps)", loaded.Name, h.totalSteps))
}

// StartExecution hands the active recipe to the engine and returns once the
// Hub is Executing. The outcome arrives as an event; Wait blocks for it.
// Starting from Paused resumes the current run.
func (h *Hub) StartExecution(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}

	h.mu.Lock()
	state, rec, connected := h.state, h.recipe, h.hardwareConnected
	h.mu.Unlock()

	switch {
	case rec == nil:
		return h.reject("start", ErrNoRecipe)
	case !connected:
		return h.reject("start", ErrHardwareDisconnected)
	case state != StateReady && state != StatePaused:
		return h.reject("start", h.invalidState("start", state))
	case !h.safetyPermits():
		return h.reject("start", ErrSafetyDenied)
	}

	if state == StatePaused {
		return h.resume(ctx)
	}

	runID := uuid.New()
	runCtx, cancel := context.WithCancel(h.baseCtx)
	done := make(chan struct{})

	h.mu.Lock()
	h.runID = runID
	h.runDone = done
	h.runCancel = cancel
	h.runFinished = false
	h.runErr = nil
	h.currentStep, h.completedSteps = 0, 0
	err := h.transitionLocked(StateExecuting, fmt.Sprintf("Executing %s", rec.Name))
	h.mu.Unlock()
	if err != nil {
		cancel()
		close(done)
		return h.reject("start", err)
	}

	h.logger.Info("Recipe execution started",
		zap.String("run_id", runID.String()),
		zap.String("recipe", rec.Name))

	go h.run(runCtx, cancel, runID, rec, done)
	return nil
}

func (h *Hub) run(ctx context.Context, cancel context.CancelFunc, runID uuid.UUID, rec *Recipe, done chan struct{}) {
	defer close(done)
	defer cancel()

	err := h.callEngine("execute", func() error {
		return h.engine.Execute(ctx, rec)
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runID != runID {
		h.logger.Debug("Ignoring outcome of superseded run",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		return
	}

	if h.stopping {
		// the stopping operation settles the state
		h.runFinished = true
		h.runErr = err
		return
	}

	h.finishRunLocked(err)
}

func (h *Hub) finishRunLocked(err error) {
	if h.state != StateExecuting && h.state != StatePaused {
		h.logger.Debug("Run finished outside of execution",
			zap.String("state", string(h.state)),
			zap.Error(err))
		return
	}

	if err != nil {
		h.failLocked(newError(CodeEngineFailure, "recipe execution failed", err))
		return
	}

	// nothing left to hold once the last step is done
	if h.state == StatePaused {
		h.logger.Info("Pause arrived during the final step, run completed",
			zap.String("run_id", h.runID.String()))
	}

	h.currentStep = h.totalSteps
	if terr := h.transitionLocked(StateCompleted, "Recipe completed"); terr != nil {
		return
	}
	h.logger.Info("Recipe execution completed",
		zap.String("run_id", h.runID.String()),
		zap.Int("completed_steps", h.completedSteps))
	h.publishLocked(Event{Type: EventExecutionCompleted, Success: true})
}

func (h *Hub) PauseExecution(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}
	if s := h.State(); s != StateExecuting {
		return h.reject("pause", h.invalidState("pause", s))
	}

	if err := h.callEngine("pause", func() error { return h.engine.Pause(ctx) }); err != nil {
		return h.reject("pause", newError(CodeEngineRefused, "engine refused pause", err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateExecuting {
		return h.invalidState("pause", h.state)
	}
	return h.transitionLocked(StatePaused, "Execution paused")
}

func (h *Hub) ResumeExecution(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}

	h.mu.Lock()
	state, connected := h.state, h.hardwareConnected
	h.mu.Unlock()

	switch {
	case state != StatePaused:
		return h.reject("resume", h.invalidState("resume", state))
	case !connected:
		return h.reject("resume", ErrHardwareDisconnected)
	case !h.safetyPermits():
		return h.reject("resume", ErrSafetyDenied)
	}

	return h.resume(ctx)
}

func (h *Hub) resume(ctx context.Context) error {
	if err := h.callEngine("resume", func() error { return h.engine.Resume(ctx) }); err != nil {
		return h.reject("resume", newError(CodeEngineRefused, "engine refused resume", err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StatePaused {
		return h.invalidState("resume", h.state)
	}
	return h.transitionLocked(StateExecuting, "Execution resumed")
}

func (h *Hub) StopExecution(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.stop(ctx)
}

func (h *Hub) stop(ctx context.Context) error {
	if s := h.State(); s != StateExecuting && s != StatePaused {
		return h.reject("stop", h.invalidState("stop", s))
	}

	stopErr := h.stopEngine(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	finished := h.settleStopLocked()
	if stopErr != nil {
		if finished {
			h.finishRunLocked(h.runErr)
		}
		return h.reject("stop", newError(CodeEngineRefused, "engine refused stop", stopErr))
	}

	// the engine may not have picked up the run yet
	h.cancelRunLocked()

	if h.state != StateExecuting && h.state != StatePaused {
		return nil
	}
	h.runID = uuid.Nil
	return h.transitionLocked(StateIdle, "Execution stopped")
}

// AbortForSafety stops a moving recipe after an emergency stop and leaves
// the Hub in Error. The state change happens even when the engine does not
// confirm the stop.
func (h *Hub) AbortForSafety(ctx context.Context, reason string) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if s := h.State(); s != StateExecuting && s != StatePaused {
		return nil
	}

	h.logger.Error("Aborting recipe execution for safety", zap.String("reason", reason))

	stopErr := h.stopEngine(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.settleStopLocked()
	h.cancelRunLocked()
	if stopErr != nil {
		h.logger.Error("Engine did not confirm safety stop", zap.Error(stopErr))
	}
	if h.state != StateExecuting && h.state != StatePaused {
		return stopErr
	}

	h.runID = uuid.Nil
	h.failLocked(newError(CodeSafetyAbort, reason, stopErr))
	return stopErr
}

// Wait blocks until the current run, if any, has finished.
func (h *Hub) Wait(ctx context.Context) (Status, error) {
	h.mu.Lock()
	done := h.runDone
	h.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return h.Snapshot(), ctx.Err()
		}
	}
	return h.Snapshot(), nil
}

// Close stops an active run within StopTimeout, detaches from the engine
// and closes all subscriptions. Further operations fail with ErrHubClosed.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.opMu.Lock()
		defer h.opMu.Unlock()

		h.mu.Lock()
		h.closed = true
		state := h.state
		h.mu.Unlock()

		if state == StateExecuting || state == StatePaused {
			stopCtx, cancel := context.WithTimeout(ctx, h.cfg.StopTimeout)
			stopErr := h.stopEngine(stopCtx)
			cancel()

			h.mu.Lock()
			h.settleStopLocked()
			if stopErr != nil {
				h.logger.Error("Engine did not stop during teardown", zap.Error(stopErr))
				h.closeErr = newError(CodeEngineRefused, "engine refused stop during teardown", stopErr)
			}
			if h.state == StateExecuting || h.state == StatePaused {
				h.runID = uuid.Nil
				h.transitionLocked(StateIdle, "Execution stopped on shutdown")
			}
			h.mu.Unlock()
		}

		if h.unsubscribeEngine != nil {
			h.unsubscribeEngine()
		}
		h.cancelBase()
		h.events.Close()

		h.logger.Info("Recipe hub closed")
	})
	return h.closeErr
}

func (h *Hub) stopEngine(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	return h.callEngine("stop", func() error { return h.engine.Stop(ctx) })
}

func (h *Hub) cancelRunLocked() {
	if h.runCancel != nil {
		h.runCancel()
		h.runCancel = nil
	}
}

// settleStopLocked ends a pending stop and reports whether the run finished
// while it was pending.
func (h *Hub) settleStopLocked() bool {
	h.stopping = false
	finished := h.runFinished
	h.runFinished = false
	return finished
}

func (h *Hub) callEngine(action string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recipe engine panicked",
				zap.String("action", action),
				zap.Any("panic", r))
			err = fmt.Errorf("engine panic during %s: %v", action, r)
		}
	}()
	return fn()
}

func (h *Hub) safetyPermits() (ok bool) {
	if h.gate == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Safety gate panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return h.gate.IsSafeForRobotOperation()
}

func (h *Hub) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	return nil
}

func (h *Hub) invalidState(op string, s State) *Error {
	return newError(CodeInvalidState, fmt.Sprintf("cannot %s in state %s", op, s), nil)
}

// reject logs a refused operation. State is left untouched. Safe to call
// with or without h.mu held.
func (h *Hub) reject(op string, err error) error {
	h.logger.Warn("Recipe operation rejected",
		zap.String("operation", op),
		zap.Error(err))
	return err
}

func (h *Hub) transitionLocked(to State, text string) error {
	if err := ValidateTransition(h.state, to); err != nil {
		h.logger.Error("Recipe state transition rejected", zap.Error(err))
		return newError(CodeInvalidState, err.Error(), nil)
	}

	previous := h.state
	h.state = to
	h.statusText = text
	h.lastStateChange = h.now()

	h.logger.Info("Recipe state changed",
		zap.String("from", string(previous)),
		zap.String("to", string(to)),
		zap.String("status", text))

	h.publishLocked(Event{
		Type:     EventStateChanged,
		Previous: previous,
		Current:  to,
		Message:  text,
	})
	return nil
}

func (h *Hub) failLocked(e *Error) {
	h.errorCount++
	h.lastError = e.Error()

	h.logger.Error("Recipe error",
		zap.String("code", string(e.Code)),
		zap.String("message", e.Message),
		zap.Error(e.Cause))

	h.transitionLocked(StateError, e.Message)
	h.publishLocked(Event{
		Type:    EventError,
		Code:    e.Code,
		Message: e.Error(),
	})
}

func (h *Hub) publishLocked(ev Event) {
	ev.Timestamp = h.now()
	if h.runID != uuid.Nil {
		ev.RunID = h.runID.String()
	}
	if h.recipe != nil {
		ev.Recipe = h.recipe.Name
	}
	if ev.Current == "" {
		ev.Current = h.state
	}
	ev.Progress = progress(h.currentStep, h.totalSteps)

	if dropped := h.events.Publish(ev); dropped > 0 {
		h.logger.Warn("Recipe event dropped for slow subscribers",
			zap.String("type", string(ev.Type)),
			zap.Int("dropped", dropped))
	}
}

// engineBridge turns engine notifications into Hub state and events.
type engineBridge struct {
	h *Hub
}

func (b engineBridge) OnStepExecuting(step Step, index int) {
	h := b.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateExecuting && h.state != StatePaused {
		return
	}

	h.currentStep = index
	h.statusText = fmt.Sprintf("Step %d/%d: %s", index+1, h.totalSteps, step.Name)

	h.logger.Debug("Recipe step started",
		zap.Int("index", index),
		zap.String("step", step.Name),
		zap.String("action", string(step.Action)))

	h.publishLocked(Event{
		Type:      EventStepStarted,
		StepIndex: index,
		StepName:  step.Name,
		Message:   h.statusText,
	})
}

func (b engineBridge) OnStepCompleted(step Step, index int, success bool) {
	h := b.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateExecuting && h.state != StatePaused {
		return
	}

	h.completedSteps++
	if success {
		h.currentStep = index + 1
	}

	h.logger.Debug("Recipe step completed",
		zap.Int("index", index),
		zap.String("step", step.Name),
		zap.Bool("success", success))

	h.publishLocked(Event{
		Type:      EventStepCompleted,
		StepIndex: index,
		StepName:  step.Name,
		Success:   success,
	})
}

func (b engineBridge) OnExecutionError(message string, cause error) {
	h := b.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping || (h.state != StateExecuting && h.state != StatePaused) {
		h.logger.Debug("Engine error outside of active execution",
			zap.String("message", message),
			zap.Error(cause))
		return
	}

	h.failLocked(newError(CodeEngineFailure, message, cause))
}

func (r *Recipe) clone() *Recipe {
	cp := *r
	cp.Steps = append([]Step(nil), r.Steps...)
	return &cp
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
