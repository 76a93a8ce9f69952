package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/infrastructure/config"
)

// probeMX is the MX value (response spread, seconds) sent in M-SEARCH probes.
const probeMX = 2

// readBufferSize comfortably fits any SSDP datagram.
const readBufferSize = 2048

// Logger defines the logging interface used by the Scanner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Listener is notified of device reachability transitions.
//
// DeviceOnline fires for newly discovered devices and for devices returning
// from unreachable. DeviceOffline fires when the liveness window elapses or
// the device announces its own departure. Both are called from scanner
// goroutines and must not block.
type Listener interface {
	DeviceOnline(dev device.Device)
	DeviceOffline(id string)
}

// Scanner discovers players via multicast probes and passive listening.
//
// It broadcasts M-SEARCH probes at a fixed interval (no backoff, so device
// departures are detected with bounded latency), listens for unsolicited
// presence broadcasts, and keeps the device registry fresh. Probe failures
// are logged and retried on the next tick; they are never fatal.
type Scanner struct {
	cfg      config.DiscoveryConfig
	registry *device.Registry
	logger   Logger

	groupAddr *net.UDPAddr

	// probeConn sends M-SEARCH probes and receives unicast responses.
	// listenConn is joined to the multicast group for NOTIFY broadcasts.
	probeConn  net.PacketConn
	listenConn net.PacketConn

	listeners  []Listener
	listenerMu sync.RWMutex

	started  bool
	startMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options holds configuration for creating a Scanner.
type Options struct {
	// Config is the discovery section of the application config.
	Config config.DiscoveryConfig

	// Registry is the device registry to populate.
	Registry *device.Registry

	// Logger is optional structured logging.
	Logger Logger

	// ProbeConn and ListenConn override the sockets, for testing.
	// When nil, real UDP sockets are opened on Start.
	ProbeConn  net.PacketConn
	ListenConn net.PacketConn
}

// NewScanner creates a scanner. Call Start() to begin probing.
func NewScanner(opts Options) (*Scanner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("discovery: registry is required")
	}

	group, err := net.ResolveUDPAddr("udp4",
		fmt.Sprintf("%s:%d", opts.Config.MulticastAddress, opts.Config.MulticastPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: resolving multicast group: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Scanner{
		cfg:        opts.Config,
		registry:   opts.Registry,
		logger:     logger,
		groupAddr:  group,
		probeConn:  opts.ProbeConn,
		listenConn: opts.ListenConn,
		done:       make(chan struct{}),
	}, nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AddListener registers a reachability listener.
// Must be called before Start.
func (s *Scanner) AddListener(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start opens the discovery sockets, sends an initial probe, and begins the
// periodic probe/sweep loop and the response/broadcast read loops.
func (s *Scanner) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if s.probeConn == nil {
		conn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return fmt.Errorf("%w: probe socket: %v", ErrSocket, err)
		}
		s.probeConn = conn
	}

	if s.listenConn == nil {
		conn, err := s.openMulticastListener()
		if err != nil {
			_ = s.probeConn.Close()
			return err
		}
		s.listenConn = conn
	}

	s.started = true

	s.wg.Add(3)
	go s.readLoop(s.probeConn, "probe")
	go s.readLoop(s.listenConn, "multicast")
	go s.probeLoop(ctx)

	s.logger.Info("discovery scanner started",
		"group", s.groupAddr.String(),
		"interval", s.interval().String(),
		"target", s.cfg.SearchTarget)

	return nil
}

// openMulticastListener joins the SSDP multicast group for passive
// presence broadcasts.
func (s *Scanner) openMulticastListener() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.cfg.MulticastPort))
	if err != nil {
		return nil, fmt.Errorf("%w: multicast socket: %v", ErrSocket, err)
	}

	var ifi *net.Interface
	if s.cfg.Interface != "" {
		ifi, err = net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: interface %q: %v", ErrSocket, s.cfg.Interface, err)
		}
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: s.groupAddr.IP}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: joining group: %v", ErrSocket, err)
	}

	return conn, nil
}

// Stop halts probing and closes the sockets. Safe to call more than once.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.startMu.Lock()
		if s.probeConn != nil {
			_ = s.probeConn.Close()
		}
		if s.listenConn != nil {
			_ = s.listenConn.Close()
		}
		s.startMu.Unlock()
		s.wg.Wait()
		s.logger.Info("discovery scanner stopped")
	})
}

// ProbeOnce sends a single M-SEARCH probe. Responses are handled by the
// running read loops.
func (s *Scanner) ProbeOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := searchRequest(s.cfg.MulticastAddress, s.cfg.MulticastPort, s.cfg.SearchTarget, probeMX)
	if _, err := s.probeConn.WriteTo(req, s.groupAddr); err != nil {
		return fmt.Errorf("discovery: sending probe: %w", err)
	}
	return nil
}

// interval returns the fixed probe interval.
func (s *Scanner) interval() time.Duration {
	return time.Duration(s.cfg.IntervalSeconds) * time.Second
}

// livenessWindow returns how long a device may go unseen before it is
// marked unreachable.
func (s *Scanner) livenessWindow() time.Duration {
	return s.interval() * time.Duration(s.cfg.LivenessMultiplier)
}

// probeLoop sends probes at a fixed interval and sweeps stale devices.
func (s *Scanner) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	// Immediate first probe so startup does not wait a full interval.
	if err := s.ProbeOnce(ctx); err != nil {
		s.logger.Warn("initial probe failed", "error", err)
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ProbeOnce(ctx); err != nil {
				s.logger.Warn("probe failed", "error", err)
			}
			s.sweepStale()
		}
	}
}

// sweepStale marks devices unseen for a full liveness window as unreachable
// and notifies listeners.
func (s *Scanner) sweepStale() {
	cutoff := time.Now().Add(-s.livenessWindow())
	for _, id := range s.registry.MarkStale(cutoff) {
		s.notifyOffline(id)
	}
}

// readLoop receives datagrams until the socket is closed.
func (s *Scanner) readLoop(conn net.PacketConn, name string) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("discovery read error", "socket", name, "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, src)
	}
}

// handleDatagram parses one announcement and applies it to the registry.
func (s *Scanner) handleDatagram(data []byte, src net.Addr) {
	ann, err := ParseAnnouncement(data, s.cfg.SearchTarget)
	if err != nil {
		// Other UPnP chatter on the multicast group is normal; only log
		// genuinely malformed player announcements.
		if errors.Is(err, ErrInvalidAnnouncement) {
			s.logger.Debug("unparsable announcement", "src", src.String())
		}
		return
	}

	if ann.Leaving {
		if err := s.registry.MarkUnreachable(ann.ID); err == nil {
			s.logger.Info("device announced departure", "id", ann.ID)
			s.notifyOffline(ann.ID)
		}
		return
	}

	dev := &device.Device{
		ID:              ann.ID,
		Host:            ann.Host,
		Port:            ann.Port,
		Model:           ann.Model,
		SoftwareVersion: ann.SoftwareVersion,
		BootSeq:         ann.BootSeq,
	}

	isNew, becameReachable, err := s.registry.Upsert(dev)
	if err != nil {
		s.logger.Warn("ignoring announcement", "error", err, "src", src.String())
		return
	}

	if isNew || becameReachable {
		// A newly reachable device needs fresh subscriptions and may
		// already belong to an existing group, so topology re-derives too.
		current, err := s.registry.Get(ann.ID)
		if err != nil {
			return
		}
		s.notifyOnline(*current)
	}
}

func (s *Scanner) notifyOnline(dev device.Device) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		l.DeviceOnline(dev)
	}
}

func (s *Scanner) notifyOffline(id string) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		l.DeviceOffline(id)
	}
}
