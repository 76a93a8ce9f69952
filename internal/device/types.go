package device

import (
	"fmt"
	"time"
)

// Device represents a single networked player known to the household.
//
// The Registry exclusively owns Device records. Other components receive
// copies and refer to devices by ID only.
type Device struct {
	// Identity
	ID   string `json:"id"`   // stable unique id, e.g. "RINCON_000E58A0B1C201400"
	Name string `json:"name"` // zone name reported by the device

	// Network location
	Host string `json:"host"`
	Port int    `json:"port"`

	// Metadata from discovery announcements
	Model           string `json:"model,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`

	// BootSeq increments when the device reboots (BOOTID.UPNP.ORG).
	// A higher boot sequence invalidates subscriptions held across the reboot.
	BootSeq int `json:"boot_seq"`

	// Reachability
	Reachable bool      `json:"reachable"`
	LastSeen  time.Time `json:"last_seen"`

	// Degraded indicates the device's eventing could not be established
	// after exhausting retries. Control commands may still work.
	Degraded bool `json:"degraded"`
}

// BaseURL returns the device's HTTP control root, e.g. "http://192.168.1.5:1400".
func (d *Device) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// Copy returns an independent copy of the Device.
// The Registry hands out copies so callers can never mutate its table.
func (d *Device) Copy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	return &cpy
}
