package mqtt

// Topic layout under the phonos/ prefix. State topics are published
// retained so new subscribers immediately see the current household.
const topicPrefix = "phonos"

// Topics builds the topic strings used by the publisher.
type Topics struct{}

// SystemStatus is the online/offline status topic, also used for the
// connection's last will.
func (Topics) SystemStatus() string {
	return topicPrefix + "/system/status"
}

// TopologySnapshot carries the full household snapshot as JSON.
func (Topics) TopologySnapshot() string {
	return topicPrefix + "/topology/snapshot"
}

// Group carries one group's state, keyed by coordinator device id so
// the topic survives group regenerations.
func (Topics) Group(coordinatorID string) string {
	return topicPrefix + "/topology/groups/" + coordinatorID
}

// Device carries one device's registry record.
func (Topics) Device(deviceID string) string {
	return topicPrefix + "/devices/" + deviceID
}
