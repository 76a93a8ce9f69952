package topology

import (
	"time"

	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/events"
)

// Group is one playback group in the household. The coordinator is
// always a member; aggregate playback state and track come from the
// coordinator's transport events, and group volume is the mean of the
// member volumes reported so far.
type Group struct {
	ID          string           `json:"id"`
	Coordinator string           `json:"coordinator"`
	Members     []string         `json:"members"`
	Playback    events.PlayState `json:"playback,omitempty"`
	TrackURI    string           `json:"track_uri,omitempty"`
	Volume      *int             `json:"volume,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Snapshot is an immutable, versioned view of the household. Once
// published it is never mutated, so readers need no locking. Versions
// are strictly increasing.
type Snapshot struct {
	Version uint64                   `json:"version"`
	Groups  map[string]Group         `json:"groups"`
	Devices map[string]device.Device `json:"devices"`
}

// Group returns the group a device currently belongs to.
func (s *Snapshot) GroupOf(deviceID string) (Group, bool) {
	for _, g := range s.Groups {
		for _, m := range g.Members {
			if m == deviceID {
				return g, true
			}
		}
	}
	return Group{}, false
}
