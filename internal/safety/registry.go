package safety

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/fanout"
	"go.uber.org/zap"
)

// Registry owns the interlock device set and the aggregate safety status
// derived from it. Every mutation and every evaluation happens under mu, so
// the monitor loop and hardware drivers on other goroutines serialize here.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	devices  map[string]*Device
	critical map[string]bool
	status   Status

	// manual emergency stop latch
	latched     bool
	latchReason string
	latchSource string

	events *fanout.Fanout[Event]
	estops *fanout.Fanout[Event]
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:   logger,
		now:      time.Now,
		devices:  make(map[string]*Device),
		critical: make(map[string]bool),
		events:   fanout.New[Event](subscriberBuffer),
		estops:   fanout.New[Event](emergencyStopBuffer),
	}

	// Leere Registry: keine überwachten Interlocks -> Warning
	r.status, _ = r.compute()

	return r
}

// RegisterDevice inserts or replaces a device. A (re)registered device
// starts Unknown and enabled.
func (r *Registry) RegisterDevice(name, location, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.devices[name]
	r.devices[name] = &Device{
		Name:         name,
		Location:     location,
		Description:  description,
		Status:       InterlockUnknown,
		Enabled:      true,
		LastChangeAt: r.now(),
	}

	r.logger.Info("Interlock registered",
		zap.String("device", name),
		zap.String("location", location),
		zap.Bool("replaced", replaced))

	r.evaluateLocked()
	return nil
}

// UnregisterDevice removes a device and reports whether it existed.
func (r *Registry) UnregisterDevice(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[name]; !ok {
		return false
	}
	delete(r.devices, name)

	r.logger.Info("Interlock unregistered", zap.String("device", name))

	r.evaluateLocked()
	return true
}

// SetDeviceEnabled toggles whether a device participates in the aggregate.
func (r *Registry) SetDeviceEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	if dev.Enabled == enabled {
		return nil
	}
	dev.Enabled = enabled

	r.logger.Info("Interlock participation changed",
		zap.String("device", name),
		zap.Bool("enabled", enabled))

	r.evaluateLocked()
	return nil
}

// UpdateDeviceStatus is the single path through which an interlock state
// changes. Repeating the current status is a no-op.
func (r *Registry) UpdateDeviceStatus(name string, status InterlockStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	if dev.Status == status {
		return nil
	}

	previous := dev.Status
	dev.Status = status
	dev.LastChangeAt = r.now()

	r.logger.Info("Interlock status changed",
		zap.String("device", name),
		zap.String("previous", string(previous)),
		zap.String("status", string(status)))

	r.publishLocked(Event{
		Type:           EventInterlockStatusChanged,
		Timestamp:      dev.LastChangeAt,
		Device:         name,
		PreviousDevice: previous,
		DeviceStatus:   status,
	})

	r.evaluateLocked()
	return nil
}

// SetCriticalDevices replaces the list of devices that must individually be
// Closed before motion is allowed, independent of the aggregate policy.
func (r *Registry) SetCriticalDevices(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.critical = make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			r.critical[n] = true
		}
	}
}

func (r *Registry) CriticalDevices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.critical))
	for n := range r.critical {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Devices returns a snapshot sorted by name.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		snap := *d
		snap.Critical = r.critical[d.Name]
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Device(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok {
		return Device{}, false
	}
	snap := *d
	snap.Critical = r.critical[name]
	return snap, true
}

// Subscribe returns a buffered channel receiving every registry event in
// mutation order. Slow readers lose events rather than stall the registry.
func (r *Registry) Subscribe() <-chan Event {
	return r.events.Subscribe()
}

func (r *Registry) Unsubscribe(ch <-chan Event) {
	r.events.Unsubscribe(ch)
}

// SubscribeEmergencyStop returns a channel that only carries
// emergency_stop_triggered events. It is separate from Subscribe and never
// loses the latest stop: when the reader falls behind, the oldest pending
// stop is discarded instead.
func (r *Registry) SubscribeEmergencyStop() <-chan Event {
	return r.estops.Subscribe()
}

func (r *Registry) UnsubscribeEmergencyStop(ch <-chan Event) {
	r.estops.Unsubscribe(ch)
}

// Close removes every device and closes all subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device)
	r.events.Close()
	r.estops.Close()
	r.logger.Info("Interlock registry closed")
}

func (r *Registry) publishLocked(ev Event) {
	if ev.Type == EventEmergencyStopTriggered {
		if replaced := r.estops.PublishLatest(ev); replaced > 0 {
			r.logger.Warn("Older emergency stops superseded for slow subscribers",
				zap.Int("replaced", replaced))
		}
	}
	if dropped := r.events.Publish(ev); dropped > 0 {
		r.logger.Warn("Safety event dropped for slow subscribers",
			zap.String("event", string(ev.Type)),
			zap.Int("dropped", dropped))
	}
}
