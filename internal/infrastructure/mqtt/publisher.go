package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nerrad567/phonos/internal/topology"
)

// statePublisher is the slice of Client the publisher needs; tests
// substitute a recorder.
type statePublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Publisher mirrors topology snapshots onto retained MQTT topics: the
// full snapshot, one topic per group keyed by coordinator, and one per
// device. Stale group and device topics are cleared with empty
// retained payloads when their subjects disappear.
type Publisher struct {
	client statePublisher
	logger Logger

	mu           sync.Mutex
	knownGroups  map[string]bool
	knownDevices map[string]bool
}

// NewPublisher builds a Publisher over a connected client.
func NewPublisher(client statePublisher, logger Logger) *Publisher {
	return &Publisher{
		client:       client,
		logger:       logger,
		knownGroups:  make(map[string]bool),
		knownDevices: make(map[string]bool),
	}
}

// PublishSnapshot pushes one snapshot to the broker. Suitable as an
// OnTopologyChange callback and for republishing after a reconnect.
func (p *Publisher) PublishSnapshot(snap *topology.Snapshot) {
	if snap == nil {
		return
	}

	if err := p.publishJSON(Topics{}.TopologySnapshot(), snap); err != nil {
		p.warn("publishing snapshot", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[string]bool, len(snap.Groups))
	for _, group := range snap.Groups {
		groups[group.Coordinator] = true
		if err := p.publishJSON(Topics{}.Group(group.Coordinator), group); err != nil {
			p.warn("publishing group", err)
		}
	}
	for coordinatorID := range p.knownGroups {
		if !groups[coordinatorID] {
			if err := p.client.PublishRetained(Topics{}.Group(coordinatorID), nil); err != nil {
				p.warn("clearing group topic", err)
			}
		}
	}
	p.knownGroups = groups

	devices := make(map[string]bool, len(snap.Devices))
	for id, dev := range snap.Devices {
		devices[id] = true
		if err := p.publishJSON(Topics{}.Device(id), dev); err != nil {
			p.warn("publishing device", err)
		}
	}
	for id := range p.knownDevices {
		if !devices[id] {
			if err := p.client.PublishRetained(Topics{}.Device(id), nil); err != nil {
				p.warn("clearing device topic", err)
			}
		}
	}
	p.knownDevices = devices
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}
	return p.client.PublishRetained(topic, payload)
}

func (p *Publisher) warn(msg string, err error) {
	if p.logger != nil {
		p.logger.Warn(msg, "error", err)
	}
}
