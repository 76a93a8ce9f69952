// Package events decodes device notifications into typed deltas.
//
// Players push state over GENA-style HTTP notifications: an XML property set
// whose interesting payloads (LastChange, ZoneGroupState) are themselves
// XML documents escaped into a property's text content. The decoder unwraps
// both layers and produces a Delta, a tagged union of transport, volume and
// topology changes consumed by the topology coordinator.
//
// # Tolerance
//
// Firmware varies in which optional fields it sends. The decoder maps a
// missing field to a nil pointer ("unchanged"), never to a zero value, and
// maps payloads it cannot parse to KindOther rather than returning an error.
// Deltas are full-state replaces per category, so duplicate deliveries are
// idempotent to re-apply.
package events
