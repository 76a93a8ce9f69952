// Package subscription manages event subscription leases against
// discovered players.
//
// Every (device, event category) pair is driven by a dedicated
// lifecycle goroutine: it subscribes, renews a configured margin
// before lease expiry, and falls back to a fresh subscribe when a
// renewal is rejected. Consecutive subscribe failures back off
// exponentially; once the retry budget is spent the pair is parked
// and the device is flagged degraded until discovery reports it
// online again.
//
// The manager keeps a table from subscription id to (device, category)
// for the callback sink. Ids superseded by a resubscribe keep
// resolving for as long as the device is known, so notifications that
// race a lease change are still delivered in order.
package subscription
