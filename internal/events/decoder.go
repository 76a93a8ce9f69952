package events

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"
)

// Decode parses a notification body for the given category into a Delta.
//
// Decode never fails: malformed or unrecognised payloads produce a KindOther
// delta with Reason set, so one broken device cannot raise errors into the
// sink path. Duplicate deliveries are safe: every delta is a full-state
// replace for its category, so re-applying one is idempotent.
func Decode(category Category, deviceID string, seq uint32, body []byte) Delta {
	delta := Delta{
		DeviceID:  deviceID,
		Seq:       seq,
		Timestamp: time.Now(),
	}

	switch category {
	case CategoryTransport:
		decodeTransport(&delta, body)
	case CategoryRendering:
		decodeRendering(&delta, body)
	case CategoryTopology:
		decodeTopology(&delta, body)
	default:
		delta.Kind = KindOther
		delta.Reason = "unknown category " + string(category)
	}

	return delta
}

// GENA property set wire types. The interesting payloads (LastChange,
// ZoneGroupState) arrive XML-escaped inside a property element and are
// unescaped by the chardata decode, then parsed a second time.
type propertySet struct {
	XMLName    xml.Name   `xml:"propertyset"`
	Properties []property `xml:"property"`
}

type property struct {
	Values []propertyValue `xml:",any"`
}

type propertyValue struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// propertyValue looks up a named property's (unescaped) text content.
func (ps *propertySet) propertyValue(name string) (string, bool) {
	for _, prop := range ps.Properties {
		for _, v := range prop.Values {
			if v.XMLName.Local == name {
				return v.Value, true
			}
		}
	}
	return "", false
}

func parsePropertySet(body []byte) (*propertySet, bool) {
	var ps propertySet
	if err := xml.Unmarshal(body, &ps); err != nil {
		return nil, false
	}
	return &ps, true
}

// valAttr matches elements carrying their value in a val attribute.
type valAttr struct {
	Val string `xml:"val,attr"`
}

// channelVal matches per-channel elements (Volume, Mute).
type channelVal struct {
	Channel string `xml:"channel,attr"`
	Val     string `xml:"val,attr"`
}

// lastChangeEvent matches the inner LastChange document shared by the
// transport and rendering services.
type lastChangeEvent struct {
	XMLName   xml.Name `xml:"Event"`
	Instances []struct {
		TransportState  *valAttr     `xml:"TransportState"`
		CurrentTrackURI *valAttr     `xml:"CurrentTrackURI"`
		Volumes         []channelVal `xml:"Volume"`
		Mutes           []channelVal `xml:"Mute"`
	} `xml:"InstanceID"`
}

func decodeTransport(delta *Delta, body []byte) {
	ev, reason := lastChangeFromBody(body)
	if ev == nil {
		delta.Kind = KindOther
		delta.Reason = reason
		return
	}

	change := &TransportChange{}
	for _, inst := range ev.Instances {
		if inst.TransportState != nil {
			state := normalisePlayState(inst.TransportState.Val)
			change.State = &state
		}
		if inst.CurrentTrackURI != nil {
			uri := inst.CurrentTrackURI.Val
			change.TrackURI = &uri
		}
	}

	if change.State == nil && change.TrackURI == nil {
		// A LastChange that touches neither field is valid but carries
		// nothing we track.
		delta.Kind = KindOther
		delta.Reason = "transport event without tracked fields"
		return
	}

	delta.Kind = KindTransport
	delta.Transport = change
}

func decodeRendering(delta *Delta, body []byte) {
	ev, reason := lastChangeFromBody(body)
	if ev == nil {
		delta.Kind = KindOther
		delta.Reason = reason
		return
	}

	change := &VolumeChange{}
	for _, inst := range ev.Instances {
		for _, v := range inst.Volumes {
			if v.Channel != "" && v.Channel != "Master" {
				continue
			}
			if vol, err := strconv.Atoi(v.Val); err == nil {
				change.Volume = &vol
			}
		}
		for _, m := range inst.Mutes {
			if m.Channel != "" && m.Channel != "Master" {
				continue
			}
			muted := m.Val == "1" || strings.EqualFold(m.Val, "true")
			change.Muted = &muted
		}
	}

	if change.Volume == nil && change.Muted == nil {
		delta.Kind = KindOther
		delta.Reason = "rendering event without tracked fields"
		return
	}

	delta.Kind = KindVolume
	delta.Volume = change
}

// lastChangeFromBody extracts and parses the LastChange document from a
// GENA property set.
func lastChangeFromBody(body []byte) (*lastChangeEvent, string) {
	ps, ok := parsePropertySet(body)
	if !ok {
		return nil, "malformed property set"
	}

	raw, ok := ps.propertyValue("LastChange")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, "missing LastChange property"
	}

	var ev lastChangeEvent
	if err := xml.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, "malformed LastChange document"
	}
	return &ev, ""
}

// Zone group state wire types. Newer firmware wraps the group list in a
// ZoneGroupState element; older firmware sends ZoneGroups directly.
type zoneGroupState struct {
	XMLName xml.Name   `xml:"ZoneGroupState"`
	Groups  zoneGroups `xml:"ZoneGroups"`
}

type zoneGroups struct {
	Groups []zoneGroup `xml:"ZoneGroup"`
}

type zoneGroup struct {
	Coordinator string            `xml:"Coordinator,attr"`
	ID          string            `xml:"ID,attr"`
	Members     []zoneGroupMember `xml:"ZoneGroupMember"`
}

type zoneGroupMember struct {
	UUID     string `xml:"UUID,attr"`
	ZoneName string `xml:"ZoneName,attr"`
}

func decodeTopology(delta *Delta, body []byte) {
	ps, ok := parsePropertySet(body)
	if !ok {
		delta.Kind = KindOther
		delta.Reason = "malformed property set"
		return
	}

	raw, ok := ps.propertyValue("ZoneGroupState")
	if !ok || strings.TrimSpace(raw) == "" {
		delta.Kind = KindOther
		delta.Reason = "missing ZoneGroupState property"
		return
	}

	groups, ok := parseZoneGroups([]byte(raw))
	if !ok {
		delta.Kind = KindOther
		delta.Reason = "malformed ZoneGroupState document"
		return
	}

	change := &TopologyChange{}
	for _, zg := range groups.Groups {
		if zg.Coordinator == "" || len(zg.Members) == 0 {
			// Claims without a coordinator or members cannot satisfy the
			// group invariants; skip them rather than poison the batch.
			continue
		}
		claim := GroupClaim{
			ID:          zg.ID,
			Coordinator: zg.Coordinator,
		}
		for _, m := range zg.Members {
			if m.UUID == "" {
				continue
			}
			claim.Members = append(claim.Members, GroupMember{
				ID:   m.UUID,
				Name: m.ZoneName,
			})
		}
		if len(claim.Members) == 0 {
			continue
		}
		change.Groups = append(change.Groups, claim)
	}

	if len(change.Groups) == 0 {
		delta.Kind = KindOther
		delta.Reason = "topology event without usable groups"
		return
	}

	delta.Kind = KindTopology
	delta.Topology = change
}

func parseZoneGroups(raw []byte) (*zoneGroups, bool) {
	var wrapped zoneGroupState
	if err := xml.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Groups.Groups) > 0 {
		return &wrapped.Groups, true
	}

	var direct zoneGroups
	if err := xml.Unmarshal(raw, &direct); err != nil {
		return nil, false
	}
	return &direct, true
}

// normalisePlayState maps transport service states onto PlayState.
// Unknown states pass through unchanged so new firmware values are visible
// to callers rather than silently dropped.
func normalisePlayState(raw string) PlayState {
	switch strings.ToUpper(raw) {
	case "PLAYING":
		return PlayStatePlaying
	case "PAUSED_PLAYBACK", "PAUSED":
		return PlayStatePaused
	case "STOPPED":
		return PlayStateStopped
	case "TRANSITIONING":
		return PlayStateBuffering
	default:
		return PlayState(raw)
	}
}
