// Package mqtt provides MQTT broker connectivity for phonos.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Retained state publishing for topology snapshots
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// phonos publishes household state onto retained topics so that
// dashboards and automations can read the current topology without
// speaking UPnP themselves. The daemon is publish-only: commands come
// in over the HTTP API, not the broker.
//
//	phonos → MQTT Broker → dashboards / automations
//
// Topic layout (see topics.go):
//
//	phonos/system/status             daemon online/offline (LWT)
//	phonos/topology/snapshot         full versioned snapshot
//	phonos/groups/<coordinator-id>   one retained message per group
//	phonos/devices/<device-id>       one retained message per device
//
// When a group dissolves or a device is removed, its topic is cleared
// with an empty retained payload.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	pub := mqtt.NewPublisher(client, logger)
//	remove := phonos.OnTopologyChange(pub.PublishSnapshot)
//	defer remove()
package mqtt
