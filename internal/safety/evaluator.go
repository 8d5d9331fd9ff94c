package safety

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Evaluate recomputes the aggregate status from the enabled devices and
// publishes a change notification when it differs from the previous value.
func (r *Registry) Evaluate() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evaluateLocked()
}

// Status returns the last evaluated aggregate without recomputing it.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// IsSafeForRobotOperation is true only when the aggregate is Safe and every
// configured critical device is registered and Closed. The critical check
// ignores the enabled flag on purpose: disabling a critical device never
// opens the gate.
func (r *Registry) IsSafeForRobotOperation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusSafe {
		return false
	}

	for name := range r.critical {
		dev, ok := r.devices[name]
		if !ok || dev.Status != InterlockClosed {
			return false
		}
	}
	return true
}

// EmergencyStopActive reports whether a manual emergency stop is latched.
func (r *Registry) EmergencyStopActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.latched
}

// TriggerEmergencyStop latches EmergencyStop until ResetEmergencyStop
// succeeds.
func (r *Registry) TriggerEmergencyStop(reason, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.latched {
		r.logger.Warn("Emergency stop already active",
			zap.String("reason", reason),
			zap.String("source", source))
		return
	}

	r.latched = true
	r.latchReason = reason
	r.latchSource = source

	r.logger.Error("Emergency stop triggered",
		zap.String("reason", reason),
		zap.String("source", source))

	previous := r.status
	r.status = StatusEmergencyStop
	if previous != StatusEmergencyStop {
		r.publishStatusLocked(previous, StatusEmergencyStop)
	}
	// the manual trigger is always announced, even over an automatic stop
	r.publishLocked(Event{
		Type:      EventEmergencyStopTriggered,
		Timestamp: r.now(),
		Previous:  previous,
		Current:   StatusEmergencyStop,
		Reason:    reason,
		Source:    source,
	})
}

// ResetEmergencyStop releases the manual latch and re-evaluates. If the
// physical conditions do not yield Safe the latch is re-engaged and
// ErrConditionsNotSafe is returned.
func (r *Registry) ResetEmergencyStop(resetBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasLatched := r.latched
	r.latched = false

	status, reason := r.compute()
	if status != StatusSafe {
		if wasLatched {
			r.latched = true
		}
		r.logger.Warn("Emergency stop reset rejected",
			zap.String("reset_by", resetBy),
			zap.String("status", string(status)),
			zap.String("reason", reason))
		return fmt.Errorf("%w: %s (%s)", ErrConditionsNotSafe, status, reason)
	}

	r.latchReason = ""
	r.latchSource = ""
	r.logger.Info("Emergency stop reset",
		zap.String("reset_by", resetBy),
		zap.Bool("was_latched", wasLatched))

	r.applyLocked(status, reason)
	return nil
}

func (r *Registry) evaluateLocked() Status {
	status, reason := r.compute()
	r.applyLocked(status, reason)
	return r.status
}

func (r *Registry) applyLocked(next Status, reason string) {
	previous := r.status
	if previous == next {
		return
	}
	r.status = next

	r.logger.Info("Safety status changed",
		zap.String("previous", string(previous)),
		zap.String("status", string(next)))

	r.publishStatusLocked(previous, next)

	if next == StatusEmergencyStop {
		r.publishLocked(Event{
			Type:      EventEmergencyStopTriggered,
			Timestamp: r.now(),
			Previous:  previous,
			Current:   next,
			Reason:    reason,
			Source:    "evaluator",
		})
	}
}

func (r *Registry) publishStatusLocked(previous, current Status) {
	r.publishLocked(Event{
		Type:      EventSafetyStatusChanged,
		Timestamp: r.now(),
		Previous:  previous,
		Current:   current,
	})
}

// compute applies the fixed precedence over enabled devices:
// SensorError/Unknown -> EmergencyStop, Open -> Dangerous,
// none enabled -> Warning, otherwise Safe. Any fault yields EmergencyStop.
func (r *Registry) compute() (status Status, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Safety evaluation panicked, failing safe",
				zap.Any("panic", rec))
			status = StatusEmergencyStop
			reason = "evaluation fault"
		}
	}()

	if r.latched {
		return StatusEmergencyStop, "manual emergency stop: " + r.latchReason
	}

	var faulted, open []string
	enabled := 0
	for _, d := range r.devices {
		if !d.Enabled {
			continue
		}
		enabled++

		switch d.Status {
		case InterlockClosed:
		case InterlockOpen:
			open = append(open, d.Name)
		default:
			// SensorError, Unknown and anything unrecognised
			faulted = append(faulted, d.Name)
		}
	}

	switch {
	case len(faulted) > 0:
		sort.Strings(faulted)
		return StatusEmergencyStop, "interlock fault or unknown state: " + strings.Join(faulted, ", ")
	case len(open) > 0:
		sort.Strings(open)
		return StatusDangerous, "interlock open: " + strings.Join(open, ", ")
	case enabled == 0:
		return StatusWarning, "no enabled interlocks"
	default:
		return StatusSafe, ""
	}
}
