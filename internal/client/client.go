package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nerrad567/phonos/internal/control"
	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/discovery"
	"github.com/nerrad567/phonos/internal/eventsink"
	"github.com/nerrad567/phonos/internal/infrastructure/config"
	"github.com/nerrad567/phonos/internal/subscription"
	"github.com/nerrad567/phonos/internal/topology"
)

// Logger is the minimal logging interface the client needs.
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

// Options configures a Client. Config is required; the transport and
// socket fields override the real network implementations, for tests.
type Options struct {
	Config *config.Config
	Logger Logger

	SubscriptionTransport subscription.Transport
	ControlTransport      control.Transport

	DiscoveryProbeConn  net.PacketConn
	DiscoveryListenConn net.PacketConn
}

// Client composes discovery, eventing, topology and control into the
// household facade the daemon and the HTTP API consume.
type Client struct {
	cfg    *config.Config
	logger Logger

	registry    *device.Registry
	scanner     *discovery.Scanner
	manager     *subscription.Manager
	sink        *eventsink.Sink
	sinkServer  *eventsink.Server
	coordinator *topology.Coordinator
	control     control.Transport

	mu      sync.Mutex
	started bool
	stopped bool
	sinkErr <-chan error
}

// New wires up a Client from configuration. Nothing touches the
// network until Start.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("client: config is required")
	}
	if cfg.Callback.Host == "" {
		return nil, fmt.Errorf("client: callback.host is required; devices must be able to reach the event sink")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	registry := device.NewRegistry()
	registry.SetLogger(logger)

	coordinator, err := topology.New(topology.Options{
		Registry: registry,
		Grace:    cfg.CoordinatorGrace(),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	subTransport := opts.SubscriptionTransport
	if subTransport == nil {
		subTransport = subscription.NewHTTPTransport(cfg.RequestTimeout())
	}
	callbackURL := fmt.Sprintf("http://%s:%d/notify", cfg.Callback.Host, cfg.Callback.Port)
	manager, err := subscription.NewManager(subscription.Options{
		Transport:         subTransport,
		Registry:          registry,
		CallbackURL:       callbackURL,
		RequestedTimeout:  cfg.RequestedTimeout(),
		RenewMargin:       cfg.RenewMargin(),
		MaxRetries:        cfg.Subscription.MaxRetries,
		RetryInitialDelay: cfg.RetryInitialDelay(),
		RetryMaxDelay:     cfg.RetryMaxDelay(),
		RequestTimeout:    cfg.RequestTimeout(),
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	sink, err := eventsink.New(eventsink.Options{
		Resolver:  manager,
		Applier:   coordinator,
		Toucher:   registry,
		QueueSize: cfg.Callback.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	sinkServer := eventsink.NewServer(sink, fmt.Sprintf(":%d", cfg.Callback.Port), logger)

	scanner, err := discovery.NewScanner(discovery.Options{
		Config:     cfg.Discovery,
		Registry:   registry,
		Logger:     logger,
		ProbeConn:  opts.DiscoveryProbeConn,
		ListenConn: opts.DiscoveryListenConn,
	})
	if err != nil {
		return nil, err
	}

	controlTransport := opts.ControlTransport
	if controlTransport == nil {
		controlTransport = control.NewSOAPTransport(cfg.ControlTimeout())
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		scanner:     scanner,
		manager:     manager,
		sink:        sink,
		sinkServer:  sinkServer,
		coordinator: coordinator,
		control:     controlTransport,
	}
	scanner.AddListener(c)
	return c, nil
}

// Start brings up the callback sink, the topology loop and background
// discovery. The sink is listening before the first probe goes out, so
// a device can never be told a callback address that is not yet live.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	c.coordinator.Start()

	sinkErr, err := c.sinkServer.Start()
	if err != nil {
		c.coordinator.Stop()
		return err
	}
	c.sinkErr = sinkErr

	if err := c.scanner.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		defer cancel()
		c.sinkServer.Shutdown(shutdownCtx)
		c.coordinator.Stop()
		return err
	}

	c.started = true
	c.logger.Info("client started", "callback_port", c.cfg.Callback.Port)
	return nil
}

// SinkErrors reports fatal callback-sink serve failures. The channel
// closes when the sink stops.
func (c *Client) SinkErrors() <-chan error {
	return c.sinkErr
}

// DiscoverOnce fires a single discovery probe immediately, on top of
// the fixed background interval.
func (c *Client) DiscoverOnce(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return c.scanner.ProbeOnce(ctx)
}

// Snapshot returns the current topology snapshot. Never nil, never
// blocks.
func (c *Client) Snapshot() *topology.Snapshot {
	return c.coordinator.Snapshot()
}

// Devices lists the known devices.
func (c *Client) Devices() []device.Device {
	return c.registry.List()
}

// Subscriptions reports the state of every event subscription.
func (c *Client) Subscriptions() []subscription.Status {
	return c.manager.Statuses()
}

// OnTopologyChange registers a callback invoked with each new
// snapshot. Callbacks run on a dedicated goroutine and are conflated:
// a slow callback sees the latest snapshot, not every intermediate
// one. The returned function removes the registration.
func (c *Client) OnTopologyChange(fn func(*topology.Snapshot)) func() {
	ch, unsubscribe := c.coordinator.Subscribe()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case snap := <-ch:
				fn(snap)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}
}

// SendCommand delivers a control action to a device. Commands to
// unreachable devices fail fast with ErrDeviceUnreachable rather than
// waiting out a network timeout.
func (c *Client) SendCommand(ctx context.Context, deviceID, action string, args map[string]string) (map[string]string, error) {
	dev, err := c.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Reachable {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnreachable, deviceID)
	}
	return c.control.SendAction(ctx, *dev, action, args)
}

// RemoveDevice purges a device that left the household for good.
// Devices the topology still references, which includes every
// reachable one, are refused with device.ErrDeviceReferenced; removal
// is for devices discovery has already marked unreachable. Recorded
// subscription ids are forgotten with the device, so late
// notifications for it are rejected rather than misattributed.
func (c *Client) RemoveDevice(id string) error {
	if err := c.registry.Remove(id); err != nil {
		return err
	}
	c.manager.RemoveDevice(id)
	c.logger.Info("device removed", "device_id", id)
	return nil
}

// Shutdown tears the client down in order: discovery stops feeding the
// pipeline, the sink drains, subscriptions are unsubscribed
// best-effort, and the topology loop halts last. Teardown completes
// even when individual unsubscribes fail.
func (c *Client) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.scanner.Stop()
	if err := c.sinkServer.Shutdown(ctx); err != nil {
		c.logger.Warn("callback sink shutdown", "error", err)
	}
	c.manager.Shutdown(ctx)
	c.coordinator.Stop()
	c.logger.Info("client stopped")
}

// DeviceOnline implements the discovery listener: reachable devices
// get grouped and subscribed.
func (c *Client) DeviceOnline(dev device.Device) {
	c.coordinator.DeviceOnline(dev)
	if err := c.manager.EnsureDevice(dev); err != nil {
		c.logger.Warn("subscribing discovered device", "device_id", dev.ID, "error", err)
	}
}

// DeviceOffline implements the discovery listener: subscriptions pause
// and the topology grace countdown starts if the device coordinated a
// group.
func (c *Client) DeviceOffline(id string) {
	c.manager.StopDevice(id)
	c.coordinator.DeviceOffline(id)
}
