// Package hub publishes home-automation entities as BACnet objects on a local
// virtual device and keeps them in sync.
//
// # Architecture
//
//	     registry / label / area events        state_changed
//	                 │                               │
//	                 ▼                               ▼
//	┌──────────────────────────┐  serialized  ┌─────────────┐
//	│        Scheduler         │─────────────▶│   Mirror    │── SetPresentValue
//	│ debounce + coalesce +    │    jobs      └─────────────┘
//	│ single consumer loop     │                    ▲
//	└────────────┬─────────────┘                    │ reads
//	             │ cycle                            │
//	             ▼                                  │
//	┌──────────────────────────┐   owns    ┌─────────────────┐
//	│  Index (label resolve)   │──────────▶│    Manager      │── Create/Update/
//	│  Infer (type inference)  │           │  Table + counters│   DeleteObject
//	└──────────────────────────┘           └─────────────────┘
//	                                                ▲
//	  BACnet WriteProperty ─── Writeback ───────────┘ (lookup only)
//	                              │
//	                              └──▶ platform service call
//
// Reconciliation, mirroring and writeback for one hub run one at a time on
// the scheduler goroutine. The mapping table is owned by the Manager; other
// components read it through accessors.
//
// # Identity
//
// Object instances are allocated per object type from a monotonic counter.
// Counters are reset only when the selected label set changes. Identifiers
// come from the naming package and are reproducible across restarts.
package hub
