// Package engine runs recipes step by step against the robot controller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"go.uber.org/zap"
)

var (
	ErrBusy       = errors.New("engine is already executing a recipe")
	ErrNotRunning = errors.New("engine is not executing")
	ErrStopped    = errors.New("execution stopped")
)

// StepEngine executes one recipe at a time. Pause takes effect at the next
// step boundary; Stop cancels the running step and waits for Execute to
// return.
type StepEngine struct {
	executor *StepExecutor
	logger   *zap.Logger

	listenersMu sync.RWMutex
	listeners   map[int]recipe.EngineListener
	nextID      int

	mu       sync.Mutex
	running  bool
	paused   bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ recipe.Engine = (*StepEngine)(nil)

func NewStepEngine(executor *StepExecutor, logger *zap.Logger) *StepEngine {
	return &StepEngine{
		executor:  executor,
		logger:    logger,
		listeners: make(map[int]recipe.EngineListener),
	}
}

func (e *StepEngine) Subscribe(l recipe.EngineListener) func() {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *StepEngine) notify(fn func(recipe.EngineListener)) {
	e.listenersMu.RLock()
	ls := make([]recipe.EngineListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.listenersMu.RUnlock()

	for _, l := range ls {
		fn(l)
	}
}

func (e *StepEngine) Execute(ctx context.Context, r *recipe.Recipe) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.running = true
	e.paused = false
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.paused = false
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		close(done)
	}()

	e.logger.Info("Recipe execution started",
		zap.String("recipe", r.Name),
		zap.Int("steps", len(r.Steps)))

	for i, step := range r.Steps {
		if err := e.waitIfPaused(runCtx); err != nil {
			return fmt.Errorf("%w before step %d", ErrStopped, i)
		}

		e.notify(func(l recipe.EngineListener) { l.OnStepExecuting(step, i) })

		err := e.executor.Execute(runCtx, step)
		if err != nil {
			e.notify(func(l recipe.EngineListener) { l.OnStepCompleted(step, i, false) })

			// a step timeout only cancels the step context
			if runCtx.Err() != nil {
				e.logger.Info("Recipe execution stopped",
					zap.Int("step", i),
					zap.String("name", step.Name))
				return fmt.Errorf("%w during step %d", ErrStopped, i)
			}

			stepErr := fmt.Errorf("step %d (%s) failed: %w", i, step.Name, err)
			e.logger.Error("Recipe step failed",
				zap.Int("step", i),
				zap.String("name", step.Name),
				zap.Error(err))
			e.notify(func(l recipe.EngineListener) { l.OnExecutionError(stepErr.Error(), err) })
			return stepErr
		}

		e.notify(func(l recipe.EngineListener) { l.OnStepCompleted(step, i, true) })
	}

	e.logger.Info("Recipe execution finished", zap.String("recipe", r.Name))
	return nil
}

func (e *StepEngine) waitIfPaused(ctx context.Context) error {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return ctx.Err()
	}
	ch := e.resumeCh
	e.mu.Unlock()

	e.logger.Info("Recipe execution paused")

	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *StepEngine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrNotRunning
	}
	if !e.paused {
		e.paused = true
		e.resumeCh = make(chan struct{})
	}
	return nil
}

func (e *StepEngine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrNotRunning
	}
	if e.paused {
		e.paused = false
		close(e.resumeCh)
	}
	return nil
}

// Stop cancels the running recipe and waits until Execute has returned or
// ctx expires. Stopping an idle engine is a no-op.
func (e *StepEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine did not stop: %w", ctx.Err())
	}
}

func (e *StepEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
