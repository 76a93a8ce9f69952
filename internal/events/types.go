package events

import "time"

// Category identifies an event subscription category on a device.
// One subscription exists per (device, category).
type Category string

// Event categories subscribed on every player.
const (
	// CategoryTransport carries playback transport state (playing, paused,
	// current track).
	CategoryTransport Category = "avtransport"

	// CategoryRendering carries rendering state (volume, mute).
	CategoryRendering Category = "rendering"

	// CategoryTopology carries group membership announcements.
	CategoryTopology Category = "topology"
)

// Categories lists every category subscribed per device.
func Categories() []Category {
	return []Category{CategoryTransport, CategoryRendering, CategoryTopology}
}

// Kind tags the variant carried by a Delta.
type Kind string

// Delta kinds.
const (
	KindTransport Kind = "transport_state_changed"
	KindVolume    Kind = "volume_changed"
	KindTopology  Kind = "group_topology_changed"

	// KindOther marks payloads that could not be decoded or belong to an
	// unrecognised category. They are counted and dropped, never fatal.
	KindOther Kind = "other"
)

// PlayState is a normalised playback state.
type PlayState string

// Normalised playback states.
const (
	PlayStatePlaying   PlayState = "PLAYING"
	PlayStatePaused    PlayState = "PAUSED"
	PlayStateStopped   PlayState = "STOPPED"
	PlayStateBuffering PlayState = "BUFFERING"
)

// Delta is one typed event decoded from a device notification.
//
// Deltas are ephemeral: they are produced by the decoder and consumed once
// by the topology coordinator. Exactly one of the payload pointers matching
// Kind is set; within a payload, nil fields mean "unchanged": a device that
// omits an optional field never zeroes out known state.
type Delta struct {
	Kind     Kind
	DeviceID string

	// Seq is the per-subscription GENA sequence number of the notification
	// this delta was decoded from. Used for newest-wins reconciliation.
	Seq uint32

	// Timestamp is when the notification arrived at the sink.
	Timestamp time.Time

	Transport *TransportChange
	Volume    *VolumeChange
	Topology  *TopologyChange

	// Reason describes why a payload decoded to KindOther.
	Reason string
}

// TransportChange reports playback transport state from a group coordinator.
type TransportChange struct {
	State    *PlayState
	TrackURI *string
}

// VolumeChange reports rendering state for a single device.
type VolumeChange struct {
	Volume *int
	Muted  *bool
}

// TopologyChange is one device's claim about household group membership.
//
// Coordinators report the full member list of their own group; the claims of
// non-coordinator devices about foreign groups are reconciled away by the
// topology coordinator.
type TopologyChange struct {
	Groups []GroupClaim
}

// GroupClaim describes one group as announced in a topology payload.
type GroupClaim struct {
	// ID is the announced group identifier, e.g. "RINCON_A:42".
	ID string

	// Coordinator is the device id of the group's coordinator.
	Coordinator string

	// Members is the ordered member list; the coordinator is listed too.
	Members []GroupMember
}

// GroupMember is one device inside a GroupClaim.
type GroupMember struct {
	ID   string
	Name string
}
