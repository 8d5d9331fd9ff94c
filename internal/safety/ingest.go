package safety

import (
	"context"
	"errors"
	"fmt"
)

// Ingestor brings physical readings into the registry once per monitor tick.
type Ingestor interface {
	Name() string
	Ingest(ctx context.Context, r *Registry) error
}

// SimulationIngestor stands in for hardware polling on a bench without
// interlock wiring: every device still Unknown is reported Closed. Devices
// in any other state are left alone. Never use it against real hardware,
// it auto-clears unknown interlocks.
type SimulationIngestor struct{}

func (SimulationIngestor) Name() string { return "simulation" }

func (SimulationIngestor) Ingest(ctx context.Context, r *Registry) error {
	var errs []error
	for _, d := range r.Devices() {
		if d.Status != InterlockUnknown {
			continue
		}
		if err := r.UpdateDeviceStatus(d.Name, InterlockClosed); err != nil {
			// device may have been unregistered since the snapshot
			if !errors.Is(err, ErrUnknownDevice) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Source reads the current state of a set of interlocks from hardware.
type Source interface {
	// Devices lists the interlock names this source reports on.
	Devices() []string
	ReadInterlocks(ctx context.Context) (map[string]InterlockStatus, error)
}

// SourceIngestor feeds a hardware Source through UpdateDeviceStatus. When
// the read fails every device of the source is marked SensorError.
type SourceIngestor struct {
	Source Source
}

func (s SourceIngestor) Name() string { return "source" }

func (s SourceIngestor) Ingest(ctx context.Context, r *Registry) error {
	readings, readErr := s.Source.ReadInterlocks(ctx)
	if readErr != nil {
		readings = make(map[string]InterlockStatus, len(s.Source.Devices()))
		for _, name := range s.Source.Devices() {
			readings[name] = InterlockSensorError
		}
	}

	var errs []error
	if readErr != nil {
		errs = append(errs, fmt.Errorf("read interlocks: %w", readErr))
	}

	for name, status := range readings {
		if err := r.UpdateDeviceStatus(name, status); err != nil && !errors.Is(err, ErrUnknownDevice) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
