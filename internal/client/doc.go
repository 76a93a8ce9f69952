// Package client is the household facade: it composes discovery, event
// subscriptions, the callback sink, topology reconciliation and
// outbound control behind one lifecycle.
//
// Consumers read immutable topology snapshots, register for change
// callbacks, and send commands; everything else runs in the
// background. Shutdown is ordered and best-effort: discovery stops
// first so nothing new enters the pipeline, then the sink drains,
// subscriptions unsubscribe, and the topology loop halts.
package client
