package device

import (
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the in-memory table of discovered devices.
//
// It is populated by the discovery scanner and read by every other
// component. Devices are never persisted; the table is rebuilt from live
// discovery on every process start.
//
// All public methods are thread-safe. Devices are stored privately and
// copied on the way out, so readers can never observe a half-written record.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device

	// refs counts live group memberships per device. A referenced device
	// cannot be removed, only marked unreachable.
	refs map[string]int

	logger Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		refs:    make(map[string]int),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Upsert inserts a new device or refreshes an existing one.
//
// A refresh updates the network location, metadata, boot sequence and
// LastSeen timestamp, and restores reachability.
//
// Returns:
//   - isNew: true if the device was not previously known
//   - becameReachable: true if the device was known but unreachable
func (r *Registry) Upsert(dev *Device) (isNew, becameReachable bool, err error) {
	if dev == nil || dev.ID == "" || dev.Host == "" {
		return false, false, ErrInvalidDevice
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[dev.ID]
	if !ok {
		cpy := dev.Copy()
		cpy.Reachable = true
		if cpy.LastSeen.IsZero() {
			cpy.LastSeen = time.Now()
		}
		r.devices[cpy.ID] = cpy
		r.logger.Info("device discovered", "id", cpy.ID, "name", cpy.Name, "host", cpy.Host)
		return true, false, nil
	}

	becameReachable = !existing.Reachable

	// Zone names arrive via topology events, not discovery announcements,
	// so an empty incoming name never clobbers a known one.
	if dev.Name != "" {
		existing.Name = dev.Name
	}
	existing.Host = dev.Host
	existing.Port = dev.Port
	if dev.Model != "" {
		existing.Model = dev.Model
	}
	if dev.SoftwareVersion != "" {
		existing.SoftwareVersion = dev.SoftwareVersion
	}
	if dev.BootSeq > existing.BootSeq {
		existing.BootSeq = dev.BootSeq
	}
	existing.Reachable = true
	existing.LastSeen = time.Now()

	if becameReachable {
		// A rediscovered device gets a clean slate; subscriptions will be
		// re-established and may clear the degraded mark.
		existing.Degraded = false
		r.logger.Info("device reachable again", "id", existing.ID, "name", existing.Name)
	}

	return false, becameReachable, nil
}

// Get retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return dev.Copy(), nil
}

// List returns copies of all known devices, ordered by ID for stable output.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d.Copy())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// MarkUnreachable flips a device to unreachable. This is a soft failure:
// players frequently leave and rejoin the network (standby, reboot), so the
// record is kept for re-discovery.
func (r *Registry) MarkUnreachable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	if dev.Reachable {
		dev.Reachable = false
		r.logger.Warn("device unreachable", "id", id, "name", dev.Name)
	}
	return nil
}

// MarkStale marks every reachable device whose LastSeen is older than the
// cutoff as unreachable and returns their IDs.
//
// Called by the discovery scanner once per probe interval.
func (r *Registry) MarkStale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, dev := range r.devices {
		if dev.Reachable && dev.LastSeen.Before(cutoff) {
			dev.Reachable = false
			stale = append(stale, id)
			r.logger.Warn("device liveness expired", "id", id, "name", dev.Name, "last_seen", dev.LastSeen)
		}
	}
	sort.Strings(stale)
	return stale
}

// SetDegraded marks a device's eventing as degraded (or clears the mark).
// Degraded devices are reported but do not block the rest of the system.
func (r *Registry) SetDegraded(id string, degraded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	dev.Degraded = degraded
	return nil
}

// SetName updates a device's zone name. Names are learned from topology
// event payloads rather than discovery announcements.
func (r *Registry) SetName(id, name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[id]; ok {
		dev.Name = name
	}
}

// Touch refreshes a device's LastSeen timestamp without a full upsert.
// Used when presence is confirmed by a source other than discovery
// (for example an event notification arriving from the device).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[id]; ok {
		dev.LastSeen = time.Now()
	}
}

// AddRef records a live group reference to a device.
// Referenced devices cannot be removed.
func (r *Registry) AddRef(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[id]++
}

// ReleaseRef releases a group reference previously added with AddRef.
func (r *Registry) ReleaseRef(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs[id] <= 1 {
		delete(r.refs, id)
		return
	}
	r.refs[id]--
}

// Remove deletes a device. It is refused with ErrDeviceReferenced while the
// device is still a member of a live group.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	if r.refs[id] > 0 {
		return ErrDeviceReferenced
	}
	delete(r.devices, id)
	r.logger.Info("device removed", "id", id)
	return nil
}
