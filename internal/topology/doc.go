// Package topology reconciles group membership announcements into a
// consistent household view.
//
// Devices report group membership independently and out of order, so
// the coordinator treats the claim from a group's own coordinating
// device as authoritative and orders competing claims by sequence
// number and timestamp. A group whose coordinator goes silent is held
// for a grace period before its members are redistributed into
// singleton groups, matching how real households behave during player
// failover.
//
// All state is owned by a single goroutine; the rest of the process
// reads immutable versioned snapshots.
package topology
