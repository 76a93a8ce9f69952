// Package api provides the HTTP REST API and WebSocket server for phonos.
//
// It exposes the household topology snapshot, device registry, event
// subscription state, and command dispatch to local dashboards and
// automations. The WebSocket endpoint streams topology snapshots as
// they are published.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api
