package recipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var errStopped = errors.New("execution stopped")

// fakeEngine blocks in Execute until a result is pushed, the run is stopped
// or the context ends. With autoSteps it reports every step as executed and
// completed before blocking.
type fakeEngine struct {
	mu        sync.Mutex
	listeners map[int]EngineListener
	nextID    int
	stopCh    chan struct{}

	autoSteps  bool
	panicOnRun bool
	stopBlocks bool
	pauseErr   error
	resumeErr  error
	stopErr    error

	executes int
	pauses   int
	resumes  int
	stops    int

	result chan error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		listeners: make(map[int]EngineListener),
		result:    make(chan error, 1),
	}
}

func (e *fakeEngine) Subscribe(l EngineListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *fakeEngine) each(fn func(EngineListener)) {
	e.mu.Lock()
	ls := make([]EngineListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		fn(l)
	}
}

func (e *fakeEngine) listenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func (e *fakeEngine) Execute(ctx context.Context, r *Recipe) error {
	e.mu.Lock()
	e.executes++
	stopCh := make(chan struct{})
	e.stopCh = stopCh
	auto, panics := e.autoSteps, e.panicOnRun
	e.mu.Unlock()

	if panics {
		panic("servo driver crashed")
	}

	if auto {
		for i, step := range r.Steps {
			e.each(func(l EngineListener) { l.OnStepExecuting(step, i) })
			e.each(func(l EngineListener) { l.OnStepCompleted(step, i, true) })
		}
	}

	select {
	case err := <-e.result:
		return err
	case <-stopCh:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEngine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses++
	return e.pauseErr
}

func (e *fakeEngine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumes++
	return e.resumeErr
}

func (e *fakeEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stops++
	blocks, err := e.stopBlocks, e.stopErr
	e.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	return nil
}

func (e *fakeEngine) counts() (executes, pauses, resumes, stops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executes, e.pauses, e.resumes, e.stops
}

type fakeGate struct{ safe atomic.Bool }

func (g *fakeGate) IsSafeForRobotOperation() bool { return g.safe.Load() }

type fakeConnectivity struct{ connected bool }

func (c fakeConnectivity) Connected(ctx context.Context) bool { return c.connected }

type fixture struct {
	hub    *Hub
	engine *fakeEngine
	gate   *fakeGate
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	reg := teaching.NewRegistry()
	reg.Register("default", teaching.NewMemoryProvider(
		teaching.Record{Group: "loadport_1", Location: "slot_01", Position: teaching.Position{R: 320, Theta: 90, Z: 12}},
		teaching.Record{Group: "aligner", Location: "center", Position: teaching.Position{R: 210, Theta: 180, Z: 40}},
	))

	engine := newFakeEngine()
	gate := &fakeGate{}
	gate.safe.Store(true)

	h := NewHub(HubConfig{StopTimeout: time.Second}, engine, gate,
		fakeConnectivity{connected: connected}, teaching.NewResolver(reg, "default", logger), logger)
	h.Initialize(context.Background())
	t.Cleanup(func() { h.Close(context.Background()) })

	return &fixture{hub: h, engine: engine, gate: gate, logs: logs}
}

func threeStepRecipe() *Recipe {
	return &Recipe{
		Name: "LP1 to aligner",
		Steps: []Step{
			{Name: "pick slot 1", Action: ActionPick, Group: "loadport_1", Location: "slot_01"},
			{Name: "place aligner", Action: ActionPlace, Group: "aligner", Location: "center"},
			{Name: "home", Action: ActionHome},
		},
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(evs []Event, typ EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitDone(t *testing.T, h *Hub) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return st
}

func mustLoad(t *testing.T, h *Hub, r *Recipe) {
	t.Helper()
	if err := h.LoadRecipe(context.Background(), r); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestNewHubStartsIdle(t *testing.T) {
	f := newFixture(t, true)

	st := f.hub.Snapshot()
	if st.State != StateIdle || st.Progress != 0 || !st.HardwareConnected {
		t.Fatalf("status = %+v", st)
	}
	if f.hub.CanExecute() || f.hub.CanPause() || f.hub.CanStop() {
		t.Fatal("no guard may pass without a recipe")
	}
}

func TestLoadRecipeMissingArgument(t *testing.T) {
	f := newFixture(t, true)
	ch := f.hub.Subscribe()

	err := f.hub.LoadRecipe(context.Background(), nil)
	if !errors.Is(err, ErrMissingRecipe) {
		t.Fatalf("error = %v", err)
	}
	if got := f.hub.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if evs := drain(ch); len(evs) != 0 {
		t.Fatalf("events = %+v", evs)
	}
}

func TestLoadRecipeEmptySteps(t *testing.T) {
	f := newFixture(t, true)
	ch := f.hub.Subscribe()

	err := f.hub.LoadRecipe(context.Background(), &Recipe{Name: "empty"})
	if !errors.Is(err, ErrEmptySteps) {
		t.Fatalf("error = %v", err)
	}

	st := f.hub.Snapshot()
	if st.State != StateError || st.ErrorCount != 1 {
		t.Fatalf("status = %+v", st)
	}
	if f.hub.LastValidation().Valid {
		t.Fatal("report must be invalid")
	}

	evs := drain(ch)
	if countType(evs, EventError) != 1 {
		t.Fatalf("events = %+v", evs)
	}
	if last := evs[len(evs)-1]; last.Code != CodeEmptySteps {
		t.Fatalf("last event = %+v", last)
	}

	// a corrected recipe recovers from Error
	mustLoad(t, f.hub, threeStepRecipe())
	if got := f.hub.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestLoadRecipeReady(t *testing.T) {
	f := newFixture(t, true)
	ch := f.hub.Subscribe()

	r := threeStepRecipe()
	r.Steps = append(r.Steps, Step{Name: "place buffer", Action: ActionPlace, Group: "buffer", Location: "slot_09"})
	mustLoad(t, f.hub, r)

	st := f.hub.Snapshot()
	if st.State != StateReady || st.TotalSteps != 4 || st.RecipeID == "" {
		t.Fatalf("status = %+v", st)
	}
	if !f.hub.CanExecute() {
		t.Fatal("CanExecute must pass")
	}

	// unresolved coordinates are advisory
	rep := f.hub.LastValidation()
	if !rep.Valid || len(rep.Warnings) != 1 || rep.Warnings[0].Code != CodeUnresolvedPosition {
		t.Fatalf("report = %+v", rep)
	}
	if n := f.logs.FilterMessage("Recipe validation warning").Len(); n != 1 {
		t.Fatalf("validation warnings logged = %d", n)
	}

	evs := drain(ch)
	if len(evs) != 2 || evs[0].Current != StateLoading || evs[1].Current != StateReady {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Previous != StateLoading {
		t.Fatalf("ready event = %+v", evs[1])
	}

	// the hub owns its copy
	r.Steps[0].Name = "mutated"
	active, _ := f.hub.ActiveRecipe()
	if active.Steps[0].Name != "pick slot 1" {
		t.Fatal("caller mutation leaked into the active recipe")
	}
}

func TestStartHardwareDisconnected(t *testing.T) {
	f := newFixture(t, false)
	mustLoad(t, f.hub, threeStepRecipe())

	err := f.hub.StartExecution(context.Background())
	if !errors.Is(err, ErrHardwareDisconnected) {
		t.Fatalf("error = %v", err)
	}
	if got := f.hub.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
	if executes, _, _, _ := f.engine.counts(); executes != 0 {
		t.Fatalf("engine executed %d times", executes)
	}
	if f.hub.CanExecute() {
		t.Fatal("CanExecute must fail while disconnected")
	}

	f.hub.SetHardwareConnected(true)
	if !f.hub.CanExecute() {
		t.Fatal("CanExecute must pass once connected")
	}
}

func TestStartDeniedBySafety(t *testing.T) {
	f := newFixture(t, true)
	mustLoad(t, f.hub, threeStepRecipe())
	f.gate.safe.Store(false)

	err := f.hub.StartExecution(context.Background())
	if !errors.Is(err, ErrSafetyDenied) {
		t.Fatalf("error = %v", err)
	}
	if got := f.hub.State(); got != StateReady {
		t.Fatalf("state = %s", got)
	}
	if executes, _, _, _ := f.engine.counts(); executes != 0 {
		t.Fatalf("engine executed %d times", executes)
	}
}

func TestStartWithoutRecipe(t *testing.T) {
	f := newFixture(t, true)

	if err := f.hub.StartExecution(context.Background()); !errors.Is(err, ErrNoRecipe) {
		t.Fatalf("error = %v", err)
	}
}

func TestExecuteToCompletion(t *testing.T) {
	f := newFixture(t, true)
	f.engine.autoSteps = true
	mustLoad(t, f.hub, threeStepRecipe())
	ch := f.hub.Subscribe()

	if err := f.hub.StartExecution(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.hub.State(); got != StateExecuting {
		t.Fatalf("state = %s, want executing", got)
	}

	f.engine.result <- nil
	st := waitDone(t, f.hub)

	if st.State != StateCompleted {
		t.Fatalf("state = %s, want completed", st.State)
	}
	if st.Progress != 1.0 || st.CompletedSteps != 3 || st.CurrentStepIndex != 3 {
		t.Fatalf("status = %+v", st)
	}

	evs := drain(ch)
	if countType(evs, EventStepStarted) != 3 || countType(evs, EventStepCompleted) != 3 {
		t.Fatalf("step events = %+v", evs)
	}
	if countType(evs, EventExecutionCompleted) != 1 {
		t.Fatalf("completion events = %+v", evs)
	}
	last := evs[len(evs)-1]
	if last.Type != EventExecutionCompleted || last.Current != StateCompleted || last.Progress != 1.0 {
		t.Fatalf("last event = %+v", last)
	}

	// listeners see post-transition state
	for _, ev := range evs {
		if ev.Type == EventStepStarted && ev.Current != StateExecuting {
			t.Fatalf("step event observed state %s", ev.Current)
		}
	}

	// a completed recipe can be reloaded
	mustLoad(t, f.hub, threeStepRecipe())
}

func TestEngineFailureDrivesError(t *testing.T) {
	f := newFixture(t, true)
	mustLoad(t, f.hub, threeStepRecipe())
	ch := f.hub.Subscribe()

	if err := f.hub.StartExecution(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.engine.result <- errors.New("vacuum lost on end effector")
	st := waitDone(t, f.hub)

	if st.State != StateError || st.ErrorCount != 1 {
		t.Fatalf("status = %+v", st)
	}
	evs := drain(ch)
	if n := countType(evs, EventError); n != 1 {
		t.Fatalf("error events = %d", n)
	}
	for _, ev := range evs {
		if ev.Type == EventError && ev.Code != CodeEngineFailure {
			t.Fatalf("error event = %+v", ev)
		}
	}
}

func TestEngineErrorNotificationCountedOnce(t *testing.T) {
	f := newFixture(t, true)
	mustLoad(t, f.hub, threeStepRecipe())

	if err := f.hub.StartExecution(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.engine.each(func(l EngineListener) {
		l.OnExecutionError("axis 2 following error", errors.New("servo alarm"))
	})
	if got := f.hub.State(); got != StateError {
		t.Fatalf("state = %s, want error", got)
	}

	f.engine.result <- errors.New("axis 2 following error")
	st := waitDone(t, f.hub)
	if st.State != StateError || st.ErrorCount != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEnginePanicBecomesError(t *testing.T) {
	f := newFixture(t, true)
	f.engine.panicOnRun = true
	mustLoad(t, f.hub, threeStepRecipe())

	if err := f.hub.StartExecution(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitDone(t, f.hub)
	if st.State != StateError {
		t.Fatalf("state = %s, want error", st.State)
	}
	if f.logs.FilterMessage("Recipe engine panicked").Len() != 1 {
		t.Fatal("panic must be logged")
	}
}

func TestPauseResumeStop(t *testing.T) {
	f := newFixture(t, true)
	mustLoad(t, f.hub, threeStepRecipe())
	ctx := context.Background()

	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.hub.PauseExecution(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := f.hub.State(); got != StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	if !f.hub.CanExecute() || f.hub.CanPause() || !f.hub.CanStop() {
		t.Fatal("guards wrong while paused")
	}

	// start from paused resumes the same run
	runID := f.hub.Snapshot().RunID
	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start from paused: %v", err)
	}
	if st := f.hub.Snapshot(); st.State != StateExecuting || st.RunID != runID {
		t.Fatalf("status = %+v", st)
	}

	if err := f.hub.PauseExecution(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.hub.ResumeExecution(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := f.hub.StopExecution(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := waitDone(t, f.hub)
	if st.State != StateIdle {
		t.Fatalf("state after stop = %s, want idle", st.State)
	}

	executes, pauses, resumes, stops := f.engine.counts()
	if executes != 1 || pauses != 2 || resumes != 2 || stops != 1 {
		t.Fatalf("engine calls = %d/%d/%d/%d", executes, pauses, resumes, stops)
	}
}

func TestRefusedEngineActionsLeaveState(t *testing.T) {
	f := newFixture(t, true)
	mustLoad(t, f.hub, threeStepRecipe())
	ctx := context.Background()

	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.engine.mu.Lock()
	f.engine.pauseErr = errors.New("motion in progress")
	f.engine.stopErr = errors.New("brake not released")
	f.engine.mu.Unlock()

	if err := f.hub.PauseExecution(ctx); !errors.Is(err, ErrEngineRefused) {
		t.Fatalf("pause error = %v", err)
	}
	if got := f.hub.State(); got != StateExecuting {
		t.Fatalf("state after refused pause = %s", got)
	}

	if err := f.hub.StopExecution(ctx); !errors.Is(err, ErrEngineRefused) {
		t.Fatalf("stop error = %v", err)
	}
	if got := f.hub.State(); got != StateExecuting {
		t.Fatalf("state after refused stop = %s", got)
	}

	f.engine.result <- nil
	if st := waitDone(t, f.hub); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed", st.State)
	}
}

func TestGuardsRejectWrongState(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	mustLoad(t, f.hub, threeStepRecipe())

	for name, op := range map[string]func(context.Context) error{
		"pause":  f.hub.PauseExecution,
		"resume": f.hub.ResumeExecution,
		"stop":   f.hub.StopExecution,
	} {
		if err := op(ctx); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s in ready: %v", name, err)
		}
		if got := f.hub.State(); got != StateReady {
			t.Fatalf("%s changed state to %s", name, got)
		}
	}

	if f.logs.FilterMessage("Recipe operation rejected").Len() != 3 {
		t.Fatal("rejections must be logged as warnings")
	}
}

func TestLoadStopsActiveRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	mustLoad(t, f.hub, threeStepRecipe())

	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	next := threeStepRecipe()
	next.Name = "LP2 to aligner"
	mustLoad(t, f.hub, next)

	st := f.hub.Snapshot()
	if st.State != StateReady || st.RecipeName != "LP2 to aligner" {
		t.Fatalf("status = %+v", st)
	}
	if _, _, _, stops := f.engine.counts(); stops != 1 {
		t.Fatalf("engine stops = %d", stops)
	}
}

func TestLoadFailsWhenImplicitStopRefused(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	mustLoad(t, f.hub, threeStepRecipe())

	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.engine.mu.Lock()
	f.engine.stopErr = errors.New("controller busy")
	f.engine.mu.Unlock()

	if err := f.hub.LoadRecipe(ctx, threeStepRecipe()); !errors.Is(err, ErrEngineRefused) {
		t.Fatalf("load error = %v", err)
	}
	if got := f.hub.State(); got != StateExecuting {
		t.Fatalf("state = %s, want executing", got)
	}
	f.engine.result <- nil
	waitDone(t, f.hub)
}

func TestEmergencyStopBlocksStart(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := safety.NewRegistry(logger)
	if err := reg.RegisterDevice("efem_front_door", "EFEM", "front door"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.UpdateDeviceStatus("efem_front_door", safety.InterlockClosed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := reg.Evaluate(); got != safety.StatusSafe {
		t.Fatalf("status = %s", got)
	}

	engine := newFakeEngine()
	h := NewHub(HubConfig{}, engine, reg, fakeConnectivity{connected: true}, nil, logger)
	h.Initialize(context.Background())
	defer h.Close(context.Background())
	ctx := context.Background()

	mustLoad(t, h, threeStepRecipe())
	if err := h.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	reg.TriggerEmergencyStop("operator pressed e-stop", "pendant")
	if got := reg.Status(); got != safety.StatusEmergencyStop {
		t.Fatalf("status = %s", got)
	}
	if err := h.AbortForSafety(ctx, "emergency stop"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if st := waitDone(t, h); st.State != StateError {
		t.Fatalf("state = %s, want error", st.State)
	}

	mustLoad(t, h, threeStepRecipe())
	if err := h.StartExecution(ctx); !errors.Is(err, ErrSafetyDenied) {
		t.Fatalf("start during e-stop: %v", err)
	}

	if err := reg.ResetEmergencyStop("operator"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := h.StartExecution(ctx); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
	engine.result <- nil
	if st := waitDone(t, h); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed", st.State)
	}
}

func TestAbortForSafetyIgnoresIdleHub(t *testing.T) {
	f := newFixture(t, true)
	mustLoad(t, f.hub, threeStepRecipe())

	if err := f.hub.AbortForSafety(context.Background(), "interlock open"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := f.hub.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
	if _, _, _, stops := f.engine.counts(); stops != 0 {
		t.Fatalf("engine stops = %d", stops)
	}
}

func TestStopBeforeEngineStartsCancelsRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		mustLoad(t, f.hub, threeStepRecipe())
		if err := f.hub.StartExecution(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		// no wait: the run goroutine may not have reached the engine yet
		if err := f.hub.StopExecution(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
		if st := waitDone(t, f.hub); st.State != StateIdle {
			t.Fatalf("iteration %d: state = %s, want idle", i, st.State)
		}
	}
}

func TestCloseStopsActiveRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	mustLoad(t, f.hub, threeStepRecipe())
	ch := f.hub.Subscribe()

	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.hub.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.hub.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if got := f.hub.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if _, _, _, stops := f.engine.counts(); stops != 1 {
		t.Fatalf("engine stops = %d", stops)
	}
	if f.engine.listenerCount() != 0 {
		t.Fatal("hub must detach from the engine")
	}

	drain(ch)
	if _, ok := <-ch; ok {
		t.Fatal("subscription must be closed")
	}

	if err := f.hub.LoadRecipe(ctx, threeStepRecipe()); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("load after close: %v", err)
	}
}

func TestCloseBoundsStuckStop(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	engine := newFakeEngine()
	engine.stopBlocks = true
	gate := &fakeGate{}
	gate.safe.Store(true)

	h := NewHub(HubConfig{StopTimeout: 50 * time.Millisecond}, engine, gate,
		fakeConnectivity{connected: true}, nil, zap.New(core))
	h.Initialize(context.Background())
	mustLoad(t, h, threeStepRecipe())
	if err := h.StartExecution(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	err := h.Close(context.Background())
	if !errors.Is(err, ErrEngineRefused) {
		t.Fatalf("close error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close took %v", elapsed)
	}

	// the base context is cancelled, so the run ends
	if st := waitDone(t, h); st.State != StateIdle {
		t.Fatalf("state = %s, want idle", st.State)
	}
}

func TestResolvePositionFallsBack(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	pos, ok := f.hub.ResolvePosition(ctx, "aligner", "center")
	if !ok || pos.R != 210 {
		t.Fatalf("resolved = %v %+v", ok, pos)
	}
	pos, ok = f.hub.ResolvePosition(ctx, "aligner", "unknown")
	if ok || pos != teaching.DefaultSafePosition {
		t.Fatalf("fallback = %v %+v", ok, pos)
	}
}

func TestSuccessWhilePausedCompletes(t *testing.T) {
	f := newFixture(t, true)
	f.engine.autoSteps = true
	mustLoad(t, f.hub, threeStepRecipe())

	ctx := context.Background()
	events := f.hub.Subscribe()
	if err := f.hub.StartExecution(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.hub.PauseExecution(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// the engine finishes the last step although a pause was requested
	f.engine.result <- nil

	st := waitDone(t, f.hub)
	if st.State != StateCompleted || st.Progress != 1.0 || st.CompletedSteps != 3 {
		t.Fatalf("status = %+v", st)
	}
	if got := countType(drain(events), EventExecutionCompleted); got != 1 {
		t.Fatalf("completion events = %d", got)
	}

	_, _, resumesBefore, _ := f.engine.counts()
	if err := f.hub.ResumeExecution(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume after completion = %v", err)
	}
	if _, _, resumes, _ := f.engine.counts(); resumes != resumesBefore {
		t.Fatal("resume must not reach the engine after completion")
	}
	mustLoad(t, f.hub, threeStepRecipe())
}
