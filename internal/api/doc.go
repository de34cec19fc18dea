// Package api implements the maintenance HTTP API and event stream of the
// BACnet hub.
//
// This package provides:
//   - Read-only views of configuration entries, mapping tables, and remote
//     devices with their subscription states
//   - The reload action and the enabled flag of imported remote points
//   - Prometheus metrics and a JSON system summary
//   - A WebSocket stream of mapping changes, sync cycles, and remote
//     subscription updates
//
// # Security
//
// Every endpoint except health requires a bearer JWT signed with the
// configured secret (see auth.GenerateToken and `bacnethub -issue-token`).
// The token role decides which routes are allowed. WebSocket clients that
// cannot set headers exchange their token for a single-use ticket first.
//
// # Graceful Degradation
//
// The server runs without MQTT or InfluxDB; health reports them as
// disabled. Entries whose setup failed stay listed and report offline.
package api
