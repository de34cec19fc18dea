// Package remote discovers BACnet devices on the network and imports their
// points as home-automation entities kept current by COV subscriptions.
//
// # Lifecycle
//
//	Who-Is (local, then global)
//	     │
//	     ▼
//	Client ──ReadObjectList──▶ Point ──EnsureImported──▶ registry row (enabled flag)
//	                             │
//	                             ▼
//	   Unsubscribed ─▶ Subscribing ─▶ Subscribed ◀──────────┐
//	                                     │                  │
//	                  renew/probe fails  ▼                  │ success
//	                                   Lost ─▶ Resubscribing┘
//	                                    ▲         │ failure (backoff 10s..300s)
//	                                    └─────────┘
//
// A lost point is marked unavailable; its imported entity and enabled flag
// are never removed. Clients not seen for two rediscovery intervals become
// stale and their points go Lost until the device answers again.
//
// The manager runs its own goroutine independent of the hub scheduler.
// Imported identifiers use the "{entry}-client_" prefix and never collide with
// published mappings.
package remote
