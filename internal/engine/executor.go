package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/robot"
	"github.com/KevinKickass/PendantCore/internal/teaching"
	"go.uber.org/zap"
)

const (
	defaultSpeed    = 100.0
	defaultWaitTime = 1 * time.Second
)

// PositionResolver resolves teaching coordinates, falling back to a safe
// default when a lookup fails.
type PositionResolver interface {
	Resolve(ctx context.Context, group, location string) (teaching.Position, bool)
}

type StepExecutor struct {
	robot     robot.Controller
	positions PositionResolver
	logger    *zap.Logger
}

func NewStepExecutor(rc robot.Controller, positions PositionResolver, logger *zap.Logger) *StepExecutor {
	return &StepExecutor{
		robot:     rc,
		positions: positions,
		logger:    logger,
	}
}

func (e *StepExecutor) Execute(ctx context.Context, step recipe.Step) error {
	switch step.Action {
	case recipe.ActionMove, recipe.ActionPick, recipe.ActionPlace:
		return e.executeMotionStep(ctx, step)
	case recipe.ActionHome:
		return e.executeHomeStep(ctx, step)
	case recipe.ActionWait:
		return e.executeWaitStep(ctx, step)
	default:
		return fmt.Errorf("unsupported action: %s", step.Action)
	}
}

func (e *StepExecutor) executeMotionStep(ctx context.Context, step recipe.Step) error {
	if step.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout.Duration)
		defer cancel()
	}

	pos, resolved := e.resolve(ctx, step)
	if !resolved {
		e.logger.Warn("Teaching coordinate unresolved, using default safe position",
			zap.String("step", step.Name),
			zap.String("group", step.Group),
			zap.String("location", step.Location))
	}

	speed := clampSpeed(step.Speed)

	var err error
	switch step.Action {
	case recipe.ActionMove:
		err = e.robot.MoveTo(ctx, pos, speed)
	case recipe.ActionPick:
		err = e.robot.Pick(ctx, pos, step.Slot, speed)
	case recipe.ActionPlace:
		err = e.robot.Place(ctx, pos, step.Slot, speed)
	}
	if err != nil {
		return fmt.Errorf("%s %s/%s failed: %w", step.Action, step.Group, step.Location, err)
	}
	return nil
}

func (e *StepExecutor) executeHomeStep(ctx context.Context, step recipe.Step) error {
	if step.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout.Duration)
		defer cancel()
	}

	if err := e.robot.Home(ctx); err != nil {
		return fmt.Errorf("home failed: %w", err)
	}
	return nil
}

func (e *StepExecutor) executeWaitStep(ctx context.Context, step recipe.Step) error {
	duration := step.Timeout.Duration
	if duration == 0 {
		duration = defaultWaitTime
	}

	t := time.NewTimer(duration)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *StepExecutor) resolve(ctx context.Context, step recipe.Step) (teaching.Position, bool) {
	if e.positions == nil || step.Group == "" || step.Location == "" {
		return teaching.DefaultSafePosition, false
	}
	return e.positions.Resolve(ctx, step.Group, step.Location)
}

func clampSpeed(speed float64) float64 {
	if speed <= 0 || speed > 100 {
		return defaultSpeed
	}
	return speed
}
