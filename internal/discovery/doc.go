// Package discovery implements multicast player discovery for Phonos.
//
// Players are found two ways, both feeding the device registry:
//
//   - Active probing: an M-SEARCH datagram is multicast at a fixed interval
//     and players respond directly to the probing socket.
//   - Passive listening: the scanner joins the SSDP multicast group and
//     receives unsolicited alive/byebye presence broadcasts.
//
// The probe interval is deliberately fixed rather than backed off so that
// device departures are detected within a bounded number of intervals.
// Devices unseen for a full liveness window are marked unreachable in the
// registry, a soft failure, since players routinely drop off the network
// and rejoin with the same identity.
//
// Reachability transitions are fanned out to Listeners (the subscription
// manager re-establishes eventing, the topology coordinator re-derives
// group state).
package discovery
