// Package eventsink receives the event notifications that devices push
// to the callback address advertised at subscribe time.
//
// The request handler stays thin: it resolves the subscription id,
// reads the body and acknowledges. Decoding and delivery run on one
// worker per device, preserving per-device arrival order without
// letting a chatty device stall the rest of the household. Unknown
// subscription ids are rejected with 412 so devices drop stale leases.
package eventsink
