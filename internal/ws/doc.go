// Package ws carries backend IRC traffic to every browser tab attached to
// the bridge.
//
// The package implements:
//   - Registry: the set of attached connections, fan-out of validated payloads
//     and the periodic heartbeat
//   - Handler: the authorized upgrade, and the read and write pumps per connection
//   - Service: wiring between the upstream IRC session and the registry
//
// The bridge is one-directional. Text sent by a browser on the socket is
// logged and dropped; commands reach the backend through the HTTP API.
package ws
