// Package homeassistant is the hub's view of the home-automation platform.
//
// The hub never talks to the platform directly. It depends on the small
// interfaces in types.go, and this package provides the production
// implementation over the platform's WebSocket API:
//
//	┌───────────────┐  get_states / registry lists   ┌──────────────────┐
//	│               │ ─────────────────────────────▶ │                  │
//	│    Client     │  subscribe_events              │  Home Assistant  │
//	│ (gorilla/ws)  │ ◀───────────────────────────── │  /api/websocket  │
//	│               │  call_service                  │                  │
//	└───────────────┘ ─────────────────────────────▶ └──────────────────┘
//
// Every command carries a monotonically increasing id. Results and events
// are routed back by that id from a single read goroutine.
package homeassistant
