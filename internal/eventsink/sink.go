package eventsink

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/phonos/internal/events"
)

// maxNotifyBody bounds how much of a notification body is read.
// Topology payloads for large households run to tens of kilobytes;
// anything past this is a misbehaving device.
const maxNotifyBody = 512 * 1024

func init() {
	// NOTIFY is not one of chi's built-in methods.
	chi.RegisterMethod("NOTIFY")
}

// Resolver maps a subscription id from a notification back to the
// (device, category) pair it was issued for.
type Resolver interface {
	Lookup(sid string) (deviceID string, category events.Category, ok bool)
}

// Applier consumes decoded event deltas. Implemented by the topology
// coordinator.
type Applier interface {
	Apply(delta events.Delta)
}

// Toucher refreshes device liveness. A notification is proof the
// device is up, independent of discovery probes.
type Toucher interface {
	Touch(id string)
}

// Logger is the minimal logging interface the sink needs.
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

// notification is one accepted callback, queued for decoding.
type notification struct {
	deviceID string
	category events.Category
	seq      uint32
	body     []byte
}

// Options configures a Sink.
type Options struct {
	Resolver Resolver
	Applier  Applier
	Toucher  Toucher

	// QueueSize is the per-device notification queue depth. Zero
	// selects the default of 32.
	QueueSize int

	Logger Logger
}

// Sink receives event notifications pushed by devices.
//
// The HTTP handler does the minimum on the request goroutine: resolve
// the subscription id, read the body, acknowledge. Decoding and
// delivery happen on a per-device worker so that notifications from
// one device are applied in arrival order while devices never block
// each other. A full queue drops the notification; the next one
// carries complete state, so a drop costs latency, not correctness.
type Sink struct {
	resolver  Resolver
	applier   Applier
	toucher   Toucher
	queueSize int
	logger    Logger

	mu     sync.Mutex
	queues map[string]chan notification
	closed bool

	wg sync.WaitGroup
}

// New builds a Sink. Resolver and Applier are required.
func New(opts Options) (*Sink, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("eventsink: resolver is required")
	}
	if opts.Applier == nil {
		return nil, fmt.Errorf("eventsink: applier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 32
	}
	return &Sink{
		resolver:  opts.Resolver,
		applier:   opts.Applier,
		toucher:   opts.Toucher,
		queueSize: size,
		logger:    logger,
		queues:    make(map[string]chan notification),
	}, nil
}

// Routes mounts the notification endpoint on a chi router.
func (s *Sink) Routes() chi.Router {
	r := chi.NewRouter()
	r.Method("NOTIFY", "/notify", http.HandlerFunc(s.handleNotify))
	return r
}

// handleNotify accepts one event notification.
//
// Unknown subscription ids get 412, matching how devices signal a
// forgotten lease in the other direction. Devices stop pushing to a
// callback that keeps rejecting them.
func (s *Sink) handleNotify(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("SID")
	if sid == "" {
		http.Error(w, "missing SID", http.StatusBadRequest)
		return
	}

	deviceID, category, ok := s.resolver.Lookup(sid)
	if !ok {
		s.logger.Debug("notification for unknown subscription", "sid", sid)
		http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
		return
	}

	seq := parseSeq(r.Header.Get("SEQ"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if s.toucher != nil {
		s.toucher.Touch(deviceID)
	}

	if !s.enqueue(notification{deviceID: deviceID, category: category, seq: seq, body: body}) {
		s.logger.Warn("notification queue full, dropping",
			"device_id", deviceID, "category", category, "seq", seq)
	}
	w.WriteHeader(http.StatusOK)
}

// enqueue hands a notification to the device's worker, creating the
// worker on first use. Returns false when the queue is full or the
// sink is closed.
func (s *Sink) enqueue(n notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	q, ok := s.queues[n.deviceID]
	if !ok {
		q = make(chan notification, s.queueSize)
		s.queues[n.deviceID] = q
		s.wg.Add(1)
		go s.worker(q)
	}

	// The send stays under the mutex so Close cannot slip in and
	// close the queue between the lookup and the send. It never
	// blocks: a full queue drops the notification.
	select {
	case q <- n:
		return true
	default:
		return false
	}
}

// worker decodes and applies one device's notifications in order.
func (s *Sink) worker(q <-chan notification) {
	defer s.wg.Done()
	for n := range q {
		delta := events.Decode(n.category, n.deviceID, n.seq, n.body)
		if delta.Kind == events.KindOther && delta.Reason != "" {
			s.logger.Debug("undecodable notification",
				"device_id", n.deviceID, "category", n.category,
				"seq", n.seq, "reason", delta.Reason)
		}
		s.applier.Apply(delta)
	}
}

// Close stops accepting notifications and waits for queued ones to
// drain through the workers.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// parseSeq reads the notification sequence header. The first
// notification on a subscription carries 0; a missing or mangled
// header is treated the same.
func parseSeq(value string) uint32 {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
