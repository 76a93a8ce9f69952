// Package device provides the Device Registry for Phonos.
//
// The Device Registry is the catalogue of every player discovered on the
// local network. It owns Device records exclusively: the discovery scanner
// writes into it, and every other component reads copies out of it.
//
// # Key Types
//
//   - Device: identity, network location and reachability of one player
//   - Registry: the thread-safe in-memory device table
//
// # Lifecycle
//
// Devices are created on first discovery, refreshed on re-discovery, and
// marked unreachable after a liveness window with no refresh. They are never
// hard-deleted while a live group still references them; players routinely
// drop off the network (standby, reboot) and rejoin with the same identity.
//
// # Thread Safety
//
// All Registry operations are safe for concurrent use from the scanner,
// subscription manager and API. Devices are copied on the way out, so a
// reader can never observe a half-written record.
package device
