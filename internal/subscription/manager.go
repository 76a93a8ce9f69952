package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/events"
)

// State describes where a subscription is in its lifecycle.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
	StateRenewing     State = "renewing"
	StateDegraded     State = "degraded"
)

// Logger is the minimal logging interface the manager needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Manager.
type Options struct {
	Transport Transport
	Registry  *device.Registry

	// CallbackURL is the stable notification address advertised to devices.
	CallbackURL string

	// RequestedTimeout is the lease requested from devices. Devices may
	// grant less; the granted value drives the renewal timer.
	RequestedTimeout time.Duration

	// RenewMargin is how long before lease expiry a renewal is issued.
	RenewMargin time.Duration

	// MaxRetries is the number of consecutive subscribe failures before a
	// device's eventing is marked degraded and the retry loop parks.
	MaxRetries int

	// RetryInitialDelay and RetryMaxDelay bound the exponential backoff
	// between subscribe attempts.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// RequestTimeout bounds each wire operation.
	RequestTimeout time.Duration

	Logger Logger
}

// Status is a point-in-time snapshot of one subscription, for
// introspection and the HTTP API.
type Status struct {
	DeviceID string          `json:"device_id"`
	Category events.Category `json:"category"`
	State    State           `json:"state"`
	SID      string          `json:"sid,omitempty"`
	Expiry   time.Time       `json:"expiry,omitempty"`
	Retries  int             `json:"retries"`
}

type subKey struct {
	deviceID string
	category events.Category
}

// subscription is the mutable record behind one (device, category)
// lifecycle goroutine. Fields other than the identity are guarded by
// the manager mutex.
type subscription struct {
	key    subKey
	dev    device.Device
	state  State
	sid    string
	expiry time.Time
	tries  int

	cancel  context.CancelFunc
	running bool
}

// Manager owns the event subscription lifecycle for every known
// device. Each (device, category) pair gets a dedicated goroutine that
// subscribes, renews ahead of expiry, and falls back to a fresh
// subscribe when a renewal is rejected. The goroutine-per-pair shape
// guarantees at most one outstanding request per pair; duplicate
// start requests coalesce into the already-running loop.
type Manager struct {
	transport   Transport
	registry    *device.Registry
	callbackURL string
	logger      Logger

	requested   time.Duration
	renewMargin time.Duration
	maxRetries  int
	retryDelay  time.Duration
	retryMax    time.Duration
	reqTimeout  time.Duration

	mu    sync.Mutex
	subs  map[subKey]*subscription
	bySID map[string]subKey
	down  bool

	wg sync.WaitGroup
}

// NewManager builds a Manager from the given options. Transport,
// Registry and CallbackURL are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("subscription: transport is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("subscription: registry is required")
	}
	if opts.CallbackURL == "" {
		return nil, fmt.Errorf("subscription: callback URL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Manager{
		transport:   opts.Transport,
		registry:    opts.Registry,
		callbackURL: opts.CallbackURL,
		logger:      logger,
		requested:   opts.RequestedTimeout,
		renewMargin: opts.RenewMargin,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryInitialDelay,
		retryMax:    opts.RetryMaxDelay,
		reqTimeout:  opts.RequestTimeout,
		subs:        make(map[subKey]*subscription),
		bySID:       make(map[string]subKey),
	}
	if m.requested <= 0 {
		m.requested = 300 * time.Second
	}
	if m.renewMargin <= 0 {
		m.renewMargin = 60 * time.Second
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 3
	}
	if m.retryDelay <= 0 {
		m.retryDelay = 2 * time.Second
	}
	if m.retryMax <= 0 {
		m.retryMax = 60 * time.Second
	}
	if m.reqTimeout <= 0 {
		m.reqTimeout = 5 * time.Second
	}
	return m, nil
}

// EnsureDevice starts lifecycle loops for every event category on the
// given device. Pairs that already have a running loop are left alone,
// so repeated online notifications for the same device coalesce. A
// raised boot counter means the device rebooted and forgot every
// lease it granted; the recorded state is torn down and rebuilt fresh
// so notifications against the dead leases are rejected.
func (m *Manager) EnsureDevice(dev device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return ErrShutdown
	}

	if m.rebootedLocked(dev) {
		m.logger.Info("device rebooted, discarding stale subscriptions",
			"device_id", dev.ID, "boot_seq", dev.BootSeq)
		m.removeLocked(dev.ID)
	}

	for _, category := range events.Categories() {
		key := subKey{deviceID: dev.ID, category: category}
		sub, ok := m.subs[key]
		if ok && sub.running {
			sub.dev = dev
			continue
		}
		if !ok {
			sub = &subscription{key: key, state: StateUnsubscribed}
			m.subs[key] = sub
		}
		sub.dev = dev
		sub.tries = 0
		m.startLocked(sub)
	}
	return nil
}

// startLocked launches the lifecycle goroutine for one subscription.
// Caller holds m.mu.
func (m *Manager) startLocked(sub *subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	sub.running = true
	m.wg.Add(1)
	go m.run(ctx, sub)
}

// StopDevice pauses the lifecycle loops for a device that went
// unreachable. Recorded subscription ids stay mapped so late
// notifications are still attributable.
func (m *Manager) StopDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, category := range events.Categories() {
		if sub, ok := m.subs[subKey{deviceID: deviceID, category: category}]; ok {
			m.stopLocked(sub)
		}
	}
}

// RemoveDevice tears down a device completely: loops are cancelled and
// every subscription id recorded for the device is forgotten, so
// notifications for it are dropped from then on.
func (m *Manager) RemoveDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(deviceID)
}

// removeLocked drops all subscription state for a device. Caller holds
// m.mu.
func (m *Manager) removeLocked(deviceID string) {
	for _, category := range events.Categories() {
		key := subKey{deviceID: deviceID, category: category}
		if sub, ok := m.subs[key]; ok {
			m.stopLocked(sub)
			delete(m.subs, key)
		}
	}
	for sid, key := range m.bySID {
		if key.deviceID == deviceID {
			delete(m.bySID, sid)
		}
	}
}

// rebootedLocked reports whether dev carries a higher boot counter than
// the one recorded for it. Caller holds m.mu.
func (m *Manager) rebootedLocked(dev device.Device) bool {
	for _, category := range events.Categories() {
		if sub, ok := m.subs[subKey{deviceID: dev.ID, category: category}]; ok {
			return dev.BootSeq > sub.dev.BootSeq
		}
	}
	return false
}

// stopLocked cancels a running loop. Caller holds m.mu.
func (m *Manager) stopLocked(sub *subscription) {
	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
	}
	sub.running = false
	sub.state = StateUnsubscribed
}

// Lookup resolves a subscription id to its (device, category) pair.
// Ids superseded by a resubscribe keep resolving until the device is
// removed, so notifications raced against a lease change are not lost.
func (m *Manager) Lookup(sid string) (deviceID string, category events.Category, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.bySID[sid]
	if !ok {
		return "", "", false
	}
	return key.deviceID, key.category, true
}

// Statuses returns a snapshot of every tracked subscription.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, Status{
			DeviceID: sub.key.deviceID,
			Category: sub.key.category,
			State:    sub.state,
			SID:      sub.sid,
			Expiry:   sub.expiry,
			Retries:  sub.tries,
		})
	}
	return out
}

// Shutdown cancels every lifecycle loop, waits for them to finish, and
// then unsubscribes active leases on a best-effort basis bounded by
// the caller's context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return
	}
	m.down = true

	type lease struct {
		dev      device.Device
		category events.Category
		sid      string
	}
	var active []lease
	for _, sub := range m.subs {
		if sub.sid != "" && (sub.state == StateActive || sub.state == StateRenewing) {
			active = append(active, lease{dev: sub.dev, category: sub.key.category, sid: sub.sid})
		}
		m.stopLocked(sub)
	}
	m.mu.Unlock()

	m.wg.Wait()

	var unsubWG sync.WaitGroup
	for _, l := range active {
		unsubWG.Add(1)
		go func(l lease) {
			defer unsubWG.Done()
			if err := m.transport.Unsubscribe(ctx, l.dev, l.category, l.sid); err != nil {
				m.logger.Debug("unsubscribe on shutdown failed",
					"device_id", l.dev.ID, "category", l.category, "error", err)
			}
		}(l)
	}

	done := make(chan struct{})
	go func() {
		unsubWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// run is the lifecycle loop for one (device, category) pair. The outer
// loop subscribes from scratch; the inner loop renews until a renewal
// is rejected, at which point control returns to the outer loop for a
// fresh subscribe. Exceeding the retry budget marks the device's
// eventing degraded and parks the loop.
func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer m.wg.Done()

	for {
		sid, granted, ok := m.subscribeWithRetry(ctx, sub)
		if !ok {
			return
		}

		for {
			if !m.sleep(ctx, renewAfter(granted, m.renewMargin)) {
				return
			}

			m.setState(sub, StateRenewing)
			rctx, cancel := context.WithTimeout(ctx, m.reqTimeout)
			newGranted, err := m.transport.Renew(rctx, sub.dev, sub.key.category, sid, m.requested)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.logger.Warn("renewal failed, resubscribing",
					"device_id", sub.key.deviceID, "category", sub.key.category, "error", err)
				break
			}
			granted = newGranted
			m.leaseRenewed(sub, granted)
		}
	}
}

// subscribeWithRetry attempts a fresh subscribe with exponential
// backoff. Returns ok=false when the loop should exit, either because
// the context was cancelled or the retry budget ran out.
func (m *Manager) subscribeWithRetry(ctx context.Context, sub *subscription) (sid string, granted time.Duration, ok bool) {
	delay := m.retryDelay
	tries := 0

	for {
		m.setState(sub, StateSubscribing)
		sctx, cancel := context.WithTimeout(ctx, m.reqTimeout)
		sid, granted, err := m.transport.Subscribe(sctx, sub.dev, sub.key.category, m.callbackURL, m.requested)
		cancel()
		if ctx.Err() != nil {
			return "", 0, false
		}
		if err == nil {
			m.leaseEstablished(sub, sid, granted)
			if err := m.registry.SetDegraded(sub.key.deviceID, false); err != nil {
				m.logger.Debug("clearing degraded flag failed",
					"device_id", sub.key.deviceID, "error", err)
			}
			return sid, granted, true
		}

		tries++
		m.recordFailure(sub, tries)
		m.logger.Warn("subscribe failed",
			"device_id", sub.key.deviceID, "category", sub.key.category,
			"attempt", tries, "error", err)

		if tries >= m.maxRetries {
			m.park(sub)
			return "", 0, false
		}

		if !m.sleep(ctx, delay) {
			return "", 0, false
		}
		delay *= 2
		if delay > m.retryMax {
			delay = m.retryMax
		}
	}
}

// park marks the subscription degraded and flags the device so that
// consumers can see its state may be stale. A later online
// notification restarts the loop.
func (m *Manager) park(sub *subscription) {
	m.mu.Lock()
	sub.state = StateDegraded
	sub.running = false
	sub.cancel = nil
	m.mu.Unlock()

	if err := m.registry.SetDegraded(sub.key.deviceID, true); err != nil {
		m.logger.Debug("marking device degraded failed",
			"device_id", sub.key.deviceID, "error", err)
	}
	m.logger.Error("event subscription degraded",
		"device_id", sub.key.deviceID, "category", sub.key.category)
}

func (m *Manager) setState(sub *subscription, state State) {
	m.mu.Lock()
	sub.state = state
	m.mu.Unlock()
}

func (m *Manager) recordFailure(sub *subscription, tries int) {
	m.mu.Lock()
	sub.tries = tries
	m.mu.Unlock()
}

func (m *Manager) leaseEstablished(sub *subscription, sid string, granted time.Duration) {
	m.mu.Lock()
	if m.subs[sub.key] != sub {
		// The subscription was removed while the subscribe was in
		// flight; recording the lease would resurrect a dead mapping.
		m.mu.Unlock()
		return
	}
	sub.state = StateActive
	sub.sid = sid
	sub.expiry = time.Now().Add(granted)
	sub.tries = 0
	m.bySID[sid] = sub.key
	m.mu.Unlock()
	m.logger.Info("subscription established",
		"device_id", sub.key.deviceID, "category", sub.key.category,
		"sid", sid, "lease", granted)
}

func (m *Manager) leaseRenewed(sub *subscription, granted time.Duration) {
	m.mu.Lock()
	sub.state = StateActive
	sub.expiry = time.Now().Add(granted)
	m.mu.Unlock()
	m.logger.Debug("subscription renewed",
		"device_id", sub.key.deviceID, "category", sub.key.category, "lease", granted)
}

// sleep blocks for d or until the context is cancelled. Returns false
// on cancellation.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// renewAfter computes how long to wait before renewing a lease. The
// margin is clamped so very short grants still renew before expiry.
func renewAfter(granted, margin time.Duration) time.Duration {
	if margin >= granted {
		return granted / 2
	}
	return granted - margin
}
