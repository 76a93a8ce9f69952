package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/topology"
)

// recordingPublisher captures retained publishes in order.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []recordedMessage
	fail     bool
}

type recordedMessage struct {
	topic   string
	payload []byte
}

func (r *recordingPublisher) PublishRetained(topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("mqtt: broker unavailable")
	}
	r.messages = append(r.messages, recordedMessage{topic: topic, payload: payload})
	return nil
}

func (r *recordingPublisher) payloadFor(topic string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Last write wins, matching retained-message semantics.
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].topic == topic {
			return r.messages[i].payload, true
		}
	}
	return nil, false
}

func testSnapshot() *topology.Snapshot {
	return &topology.Snapshot{
		Version: 7,
		Groups: map[string]topology.Group{
			"RINCON_A:1": {
				ID:          "RINCON_A:1",
				Coordinator: "RINCON_A",
				Members:     []string{"RINCON_A", "RINCON_B"},
			},
		},
		Devices: map[string]device.Device{
			"RINCON_A": {ID: "RINCON_A", Name: "Kitchen", Host: "192.168.1.10", Port: 1400, Reachable: true},
			"RINCON_B": {ID: "RINCON_B", Name: "Lounge", Host: "192.168.1.11", Port: 1400, Reachable: true},
		},
	}
}

func TestPublishSnapshotTopics(t *testing.T) {
	rec := &recordingPublisher{}
	pub := NewPublisher(rec, nil)

	pub.PublishSnapshot(testSnapshot())

	payload, ok := rec.payloadFor(Topics{}.TopologySnapshot())
	if !ok {
		t.Fatal("PublishSnapshot() did not publish the snapshot topic")
	}

	var snap topology.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("snapshot payload is not valid JSON: %v", err)
	}
	if snap.Version != 7 {
		t.Errorf("snapshot version = %d, want 7", snap.Version)
	}

	if _, ok := rec.payloadFor(Topics{}.Group("RINCON_A")); !ok {
		t.Error("PublishSnapshot() did not publish the group topic")
	}
	for _, id := range []string{"RINCON_A", "RINCON_B"} {
		payload, ok := rec.payloadFor(Topics{}.Device(id))
		if !ok {
			t.Fatalf("PublishSnapshot() did not publish device topic for %s", id)
		}
		var dev device.Device
		if err := json.Unmarshal(payload, &dev); err != nil {
			t.Fatalf("device payload is not valid JSON: %v", err)
		}
		if dev.ID != id {
			t.Errorf("device payload id = %q, want %q", dev.ID, id)
		}
	}
}

func TestPublishSnapshotClearsStaleTopics(t *testing.T) {
	rec := &recordingPublisher{}
	pub := NewPublisher(rec, nil)

	pub.PublishSnapshot(testSnapshot())

	// Group dissolves and one device disappears.
	next := &topology.Snapshot{
		Version: 8,
		Groups: map[string]topology.Group{
			"RINCON_B:0": {
				ID:          "RINCON_B:0",
				Coordinator: "RINCON_B",
				Members:     []string{"RINCON_B"},
			},
		},
		Devices: map[string]device.Device{
			"RINCON_B": {ID: "RINCON_B", Name: "Lounge", Host: "192.168.1.11", Port: 1400, Reachable: true},
		},
	}
	pub.PublishSnapshot(next)

	payload, ok := rec.payloadFor(Topics{}.Group("RINCON_A"))
	if !ok {
		t.Fatal("stale group topic was never written")
	}
	if payload != nil {
		t.Errorf("stale group topic payload = %q, want cleared", payload)
	}

	payload, ok = rec.payloadFor(Topics{}.Device("RINCON_A"))
	if !ok {
		t.Fatal("stale device topic was never written")
	}
	if payload != nil {
		t.Errorf("stale device topic payload = %q, want cleared", payload)
	}

	// Surviving subjects still carry real payloads.
	if payload, _ := rec.payloadFor(Topics{}.Device("RINCON_B")); payload == nil {
		t.Error("surviving device topic was cleared")
	}
}

func TestPublishSnapshotNilIsNoop(t *testing.T) {
	rec := &recordingPublisher{}
	pub := NewPublisher(rec, nil)

	pub.PublishSnapshot(nil)

	if len(rec.messages) != 0 {
		t.Errorf("PublishSnapshot(nil) published %d messages, want 0", len(rec.messages))
	}
}

func TestPublishSnapshotSurvivesBrokerErrors(t *testing.T) {
	rec := &recordingPublisher{fail: true}
	pub := NewPublisher(rec, nil)

	// Must not panic or wedge when every publish fails.
	pub.PublishSnapshot(testSnapshot())
	pub.PublishSnapshot(testSnapshot())
}
