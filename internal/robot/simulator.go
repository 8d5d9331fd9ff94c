// Package robot provides the robot-side collaborators of the recipe Hub:
// connectivity sources and the motion controller contract.
package robot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/teaching"
	"go.uber.org/zap"
)

// Controller drives the arm. Implementations must honour ctx cancellation
// during motion.
type Controller interface {
	MoveTo(ctx context.Context, pos teaching.Position, speed float64) error
	Pick(ctx context.Context, pos teaching.Position, slot int, speed float64) error
	Place(ctx context.Context, pos teaching.Position, slot int, speed float64) error
	Home(ctx context.Context) error
	Position() teaching.Position
}

var (
	ErrNotConnected = errors.New("robot not connected")
	ErrWaferPresent = errors.New("end effector already holds a wafer")
	ErrNoWafer      = errors.New("end effector holds no wafer")
	ErrInvalidSpeed = errors.New("speed must be within (0, 100]")
)

// Simulator is an in-process arm used for bench setups and tests. Motion
// time scales with the travelled distance and the requested speed.
type Simulator struct {
	logger          *zap.Logger
	moveTimePerUnit time.Duration

	mu        sync.Mutex
	connected bool
	position  teaching.Position
	holding   bool
	moves     int
}

var _ Controller = (*Simulator)(nil)

func NewSimulator(moveTimePerUnit time.Duration, logger *zap.Logger) *Simulator {
	return &Simulator{
		logger:          logger,
		moveTimePerUnit: moveTimePerUnit,
		connected:       true,
		position:        teaching.DefaultSafePosition,
	}
}

func (s *Simulator) Connected(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

func (s *Simulator) Position() teaching.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Simulator) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding
}

// Moves returns the number of completed motions.
func (s *Simulator) Moves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moves
}

func (s *Simulator) MoveTo(ctx context.Context, pos teaching.Position, speed float64) error {
	return s.move(ctx, pos, speed)
}

func (s *Simulator) Pick(ctx context.Context, pos teaching.Position, slot int, speed float64) error {
	s.mu.Lock()
	holding := s.holding
	s.mu.Unlock()
	if holding {
		return ErrWaferPresent
	}

	if err := s.move(ctx, pos, speed); err != nil {
		return err
	}

	s.mu.Lock()
	s.holding = true
	s.mu.Unlock()

	s.logger.Debug("Wafer picked", zap.Int("slot", slot))
	return nil
}

func (s *Simulator) Place(ctx context.Context, pos teaching.Position, slot int, speed float64) error {
	s.mu.Lock()
	holding := s.holding
	s.mu.Unlock()
	if !holding {
		return ErrNoWafer
	}

	if err := s.move(ctx, pos, speed); err != nil {
		return err
	}

	s.mu.Lock()
	s.holding = false
	s.mu.Unlock()

	s.logger.Debug("Wafer placed", zap.Int("slot", slot))
	return nil
}

func (s *Simulator) Home(ctx context.Context) error {
	return s.move(ctx, teaching.DefaultSafePosition, 100)
}

func (s *Simulator) move(ctx context.Context, target teaching.Position, speed float64) error {
	if speed <= 0 || speed > 100 {
		return fmt.Errorf("%w: %.1f", ErrInvalidSpeed, speed)
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	from := s.position
	s.mu.Unlock()

	d := time.Duration(distance(from, target) * float64(s.moveTimePerUnit) * 100 / speed)
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.position = target
	s.moves++
	s.mu.Unlock()

	s.logger.Debug("Robot moved",
		zap.Float64("r", target.R),
		zap.Float64("theta", target.Theta),
		zap.Float64("z", target.Z),
		zap.Duration("duration", d))
	return nil
}

// distance in joint space; theta degrees count like millimetres.
func distance(a, b teaching.Position) float64 {
	return math.Abs(a.R-b.R) + math.Abs(a.Theta-b.Theta) + math.Abs(a.Z-b.Z)
}
