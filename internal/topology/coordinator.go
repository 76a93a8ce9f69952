package topology

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/events"
)

// Logger is the minimal logging interface the coordinator needs.
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

// Options configures a Coordinator.
type Options struct {
	Registry *device.Registry

	// Grace is how long a group survives its coordinator going
	// unreachable before it is dissolved into singletons.
	Grace time.Duration

	// QueueSize bounds the inbound message channel. Zero selects the
	// default of 256.
	QueueSize int

	Logger Logger
}

// message is one unit of work for the single-writer loop. Exactly one
// field is set.
type message struct {
	delta   *events.Delta
	online  *device.Device
	offline string
}

// groupState is the coordinator's private record for one group, keyed
// by the coordinating device. The claim fields order competing
// membership announcements; graceUntil is non-zero while the group is
// coasting on an unreachable coordinator.
type groupState struct {
	id          string
	coordinator string
	members     []string
	claimSeq    uint32
	claimTime   time.Time
	hasClaim    bool
	graceUntil  time.Time
	updated     time.Time
}

// playerState accumulates per-device transport and rendering fields.
// Deltas carry only what changed, so each field persists until the
// next announcement for it.
type playerState struct {
	play      events.PlayState
	track     string
	volume    int
	hasVolume bool
	muted     bool
}

// Coordinator owns the household group table.
//
// All mutation happens on a single goroutine fed by Apply, DeviceOnline
// and DeviceOffline, so the table needs no locking and partial states
// are impossible to observe. Readers get immutable snapshots published
// through an atomic.Value after each processed input; subscribers get
// at most the latest snapshot (conflated, never a backlog).
type Coordinator struct {
	registry *device.Registry
	grace    time.Duration
	logger   Logger

	in   chan message
	quit chan struct{}
	done chan struct{}

	// Owned exclusively by run().
	groups   map[string]*groupState
	players  map[string]*playerState
	memberOf map[string]string
	version  uint64

	current atomic.Value // *Snapshot

	subMu   sync.Mutex
	subs    map[int]chan *Snapshot
	nextSub int

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Coordinator. Registry is required.
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("topology: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = 256
	}
	c := &Coordinator{
		registry: opts.Registry,
		grace:    grace,
		logger:   logger,
		in:       make(chan message, queue),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		groups:   make(map[string]*groupState),
		players:  make(map[string]*playerState),
		memberOf: make(map[string]string),
		subs:     make(map[int]chan *Snapshot),
	}
	c.current.Store(&Snapshot{
		Groups:  map[string]Group{},
		Devices: map[string]device.Device{},
	})
	return c, nil
}

// Start launches the reconciliation loop.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop halts the loop after the message in hand. Queued messages are
// discarded; the last published snapshot remains readable.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
}

// Apply hands a decoded event delta to the reconciliation loop. It is
// the delivery point for the event sink's per-device workers.
func (c *Coordinator) Apply(delta events.Delta) {
	c.send(message{delta: &delta})
}

// DeviceOnline tells the coordinator a device was discovered or came
// back. Ungrouped devices get a singleton group; a returning
// coordinator cancels its group's grace countdown.
func (c *Coordinator) DeviceOnline(dev device.Device) {
	c.send(message{online: &dev})
}

// DeviceOffline tells the coordinator a device went unreachable. A
// coordinating device starts its group's grace countdown.
func (c *Coordinator) DeviceOffline(id string) {
	c.send(message{offline: id})
}

func (c *Coordinator) send(msg message) {
	select {
	case c.in <- msg:
	case <-c.quit:
	}
}

// Snapshot returns the current published view. Never nil, never
// blocks.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.current.Load().(*Snapshot)
}

// Subscribe registers for snapshot updates. The channel is conflated:
// a slow consumer sees the latest snapshot, not a backlog. The
// returned function removes the registration.
func (c *Coordinator) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// run is the single-writer loop. One grace timer is kept armed for the
// earliest pending deadline across all coasting groups.
func (c *Coordinator) run() {
	defer close(c.done)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		select {
		case msg := <-c.in:
			c.handle(msg)
			c.rearm(timer)
			c.publish()
		case <-timer.C:
			c.dissolveExpired()
			c.rearm(timer)
			c.publish()
		case <-c.quit:
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// rearm points the grace timer at the earliest pending deadline, or
// leaves it stopped when no group is coasting.
func (c *Coordinator) rearm(t *time.Timer) {
	stopTimer(t)
	var next time.Time
	for _, g := range c.groups {
		if g.graceUntil.IsZero() {
			continue
		}
		if next.IsZero() || g.graceUntil.Before(next) {
			next = g.graceUntil
		}
	}
	if next.IsZero() {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func (c *Coordinator) handle(msg message) {
	switch {
	case msg.delta != nil:
		c.handleDelta(*msg.delta)
	case msg.online != nil:
		c.handleOnline(*msg.online)
	case msg.offline != "":
		c.handleOffline(msg.offline)
	}
}

func (c *Coordinator) handleDelta(delta events.Delta) {
	switch delta.Kind {
	case events.KindTransport:
		p := c.player(delta.DeviceID)
		if delta.Transport.State != nil {
			p.play = *delta.Transport.State
		}
		if delta.Transport.TrackURI != nil {
			p.track = *delta.Transport.TrackURI
		}
		c.touchGroupOf(delta.DeviceID)

	case events.KindVolume:
		p := c.player(delta.DeviceID)
		if delta.Volume.Volume != nil {
			p.volume = *delta.Volume.Volume
			p.hasVolume = true
		}
		if delta.Volume.Muted != nil {
			p.muted = *delta.Volume.Muted
		}
		c.touchGroupOf(delta.DeviceID)

	case events.KindTopology:
		for _, claim := range delta.Topology.Groups {
			c.applyClaim(delta, claim)
		}
		c.ensureSingletons()

	case events.KindOther:
		// Nothing to reconcile; the sink already logged the reason.
	}
}

func (c *Coordinator) player(id string) *playerState {
	p, ok := c.players[id]
	if !ok {
		p = &playerState{}
		c.players[id] = p
	}
	return p
}

func (c *Coordinator) touchGroupOf(deviceID string) {
	if coordID, ok := c.memberOf[deviceID]; ok {
		if g, ok := c.groups[coordID]; ok {
			g.updated = time.Now()
		}
	}
}

// applyClaim reconciles one group membership announcement.
//
// A claim from the group's own coordinator is authoritative and wins
// ties; claims from members are applied only when strictly newer than
// the incumbent, ordered by receipt timestamp then sequence number.
// Everything older is discarded as stale.
func (c *Coordinator) applyClaim(delta events.Delta, claim events.GroupClaim) {
	coordID := claim.Coordinator
	if coordID == "" || len(claim.Members) == 0 {
		c.logger.Warn("topology claim unusable",
			"reporter", delta.DeviceID, "group_id", claim.ID)
		return
	}

	fromCoordinator := delta.DeviceID == coordID

	if g, ok := c.groups[coordID]; ok && g.hasClaim {
		switch newerClaim(delta.Seq, delta.Timestamp, g.claimSeq, g.claimTime) {
		case -1:
			c.logger.Debug("discarding stale topology claim",
				"reporter", delta.DeviceID, "coordinator", coordID,
				"seq", delta.Seq, "incumbent_seq", g.claimSeq)
			return
		case 0:
			if !fromCoordinator {
				return
			}
		}
	}

	members := make([]string, 0, len(claim.Members))
	seen := make(map[string]bool, len(claim.Members))
	hasCoordinator := false
	for _, m := range claim.Members {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		members = append(members, m.ID)
		if m.ID == coordID {
			hasCoordinator = true
		}
		c.registry.SetName(m.ID, m.Name)
	}
	if !hasCoordinator {
		members = append([]string{coordID}, members...)
	}

	c.setMembership(coordID, claim.ID, members)

	g := c.groups[coordID]
	g.claimSeq = delta.Seq
	g.claimTime = delta.Timestamp
	g.hasClaim = true
	g.updated = time.Now()

	// Any announcement for the group is a successor heartbeat; the
	// grace countdown only applies to silently missing coordinators.
	if dev, err := c.registry.Get(coordID); err == nil && dev.Reachable {
		g.graceUntil = time.Time{}
	}
}

// newerClaim orders two claims: 1 when the candidate is newer, -1 when
// older, 0 on an exact tie.
//
// Timestamps are compared first: they are assigned at receipt, and the
// sink delivers each device's notifications in order, so a device's
// later claim always carries a later timestamp. The event sequence
// number only breaks exact timestamp ties; it cannot lead, because it
// is a per-subscription counter that restarts at zero whenever a lease
// is re-established, and counters from different devices are unrelated.
func newerClaim(seq uint32, ts time.Time, incSeq uint32, incTS time.Time) int {
	switch {
	case ts.After(incTS):
		return 1
	case ts.Before(incTS):
		return -1
	case seq > incSeq:
		return 1
	case seq < incSeq:
		return -1
	default:
		return 0
	}
}

// setMembership installs the member list for a group, detaching the
// members from whatever groups previously held them and keeping the
// registry's reference counts in step.
func (c *Coordinator) setMembership(coordID, groupID string, members []string) {
	g, ok := c.groups[coordID]
	if !ok {
		g = &groupState{coordinator: coordID}
		c.groups[coordID] = g
	}
	if groupID == "" {
		groupID = coordID + ":0"
	}
	g.id = groupID

	newSet := make(map[string]bool, len(members))
	for _, m := range members {
		newSet[m] = true
	}

	// Members dropped from this group lose their reference.
	for _, m := range g.members {
		if !newSet[m] && c.memberOf[m] == coordID {
			delete(c.memberOf, m)
			c.registry.ReleaseRef(m)
		}
	}

	// Incoming members are pulled out of their previous groups.
	for _, m := range members {
		prev, had := c.memberOf[m]
		if had && prev == coordID {
			continue
		}
		if had {
			c.removeMember(prev, m)
		}
		c.memberOf[m] = coordID
		c.registry.AddRef(m)
	}

	g.members = members
}

// removeMember detaches one device from a group it no longer belongs
// to. A group that loses its coordinator or its last member is
// dissolved.
func (c *Coordinator) removeMember(coordID, deviceID string) {
	g, ok := c.groups[coordID]
	if !ok {
		delete(c.memberOf, deviceID)
		return
	}
	kept := g.members[:0]
	for _, m := range g.members {
		if m != deviceID {
			kept = append(kept, m)
		}
	}
	g.members = kept
	delete(c.memberOf, deviceID)
	c.registry.ReleaseRef(deviceID)

	if deviceID == coordID || len(g.members) == 0 {
		c.dissolve(coordID)
	}
}

// dissolve removes a group and redistributes its reachable members
// into singleton groups.
func (c *Coordinator) dissolve(coordID string) {
	g, ok := c.groups[coordID]
	if !ok {
		return
	}
	delete(c.groups, coordID)

	members := g.members
	g.members = nil
	for _, m := range members {
		if c.memberOf[m] == coordID {
			delete(c.memberOf, m)
			c.registry.ReleaseRef(m)
		}
		if m == coordID {
			continue
		}
		if dev, err := c.registry.Get(m); err == nil && dev.Reachable {
			c.singleton(m)
		}
	}
	c.logger.Info("group dissolved", "coordinator", coordID, "members", len(members))
}

// singleton places a device in a group of its own.
func (c *Coordinator) singleton(deviceID string) {
	if prev, ok := c.memberOf[deviceID]; ok {
		if prev == deviceID {
			return
		}
		c.removeMember(prev, deviceID)
	}
	c.groups[deviceID] = &groupState{
		id:          deviceID + ":0",
		coordinator: deviceID,
		members:     []string{deviceID},
		updated:     time.Now(),
	}
	c.memberOf[deviceID] = deviceID
	c.registry.AddRef(deviceID)
}

// ensureSingletons puts every reachable ungrouped device in a
// singleton group, so no published snapshot shows a known live device
// outside the group table.
func (c *Coordinator) ensureSingletons() {
	for _, dev := range c.registry.List() {
		if !dev.Reachable {
			continue
		}
		if _, ok := c.memberOf[dev.ID]; !ok {
			c.singleton(dev.ID)
		}
	}
}

func (c *Coordinator) handleOnline(dev device.Device) {
	if g, ok := c.groups[dev.ID]; ok {
		if !g.graceUntil.IsZero() {
			g.graceUntil = time.Time{}
			c.logger.Info("coordinator returned within grace",
				"coordinator", dev.ID)
		}
	}
	if _, ok := c.memberOf[dev.ID]; !ok {
		c.singleton(dev.ID)
	}
}

func (c *Coordinator) handleOffline(id string) {
	g, ok := c.groups[id]
	if !ok {
		// Unreachable plain members are kept; players drop off the
		// network briefly all the time.
		return
	}
	if g.graceUntil.IsZero() {
		g.graceUntil = time.Now().Add(c.grace)
		c.logger.Warn("coordinator unreachable, holding group",
			"coordinator", id, "grace", c.grace)
	}
}

// dissolveExpired dissolves every group whose grace deadline has
// passed without a successor announcement or a coordinator return.
func (c *Coordinator) dissolveExpired() {
	now := time.Now()
	for coordID, g := range c.groups {
		if g.graceUntil.IsZero() || g.graceUntil.After(now) {
			continue
		}
		c.logger.Warn("grace expired, dissolving group", "coordinator", coordID)
		c.dissolve(coordID)
	}
}

// publish builds and stores a fresh immutable snapshot, then fans it
// out to subscribers, replacing any undelivered previous snapshot.
func (c *Coordinator) publish() {
	devices := make(map[string]device.Device)
	for _, dev := range c.registry.List() {
		devices[dev.ID] = dev
	}

	groups := make(map[string]Group, len(c.groups))
	for coordID, g := range c.groups {
		grp := Group{
			ID:          g.id,
			Coordinator: coordID,
			Members:     append([]string(nil), g.members...),
			UpdatedAt:   g.updated,
		}
		if p, ok := c.players[coordID]; ok {
			grp.Playback = p.play
			grp.TrackURI = p.track
		}
		if vol, ok := c.groupVolume(g.members); ok {
			grp.Volume = &vol
		}
		groups[g.id] = grp
	}

	c.version++
	snap := &Snapshot{
		Version: c.version,
		Groups:  groups,
		Devices: devices,
	}
	c.current.Store(snap)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// groupVolume is the mean of the member volumes reported so far.
func (c *Coordinator) groupVolume(members []string) (int, bool) {
	sum, n := 0, 0
	for _, m := range members {
		if p, ok := c.players[m]; ok && p.hasVolume {
			sum += p.volume
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}
