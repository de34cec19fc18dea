// Package supervisor runs one hub runtime per configuration entry.
//
// A runtime bundles everything an entry needs:
//
//	          ┌──────────────── runtime ─────────────────┐
//	store ──▶ │ stack ◀── hub.Hub ──▶ mirror.Exposer ──▶ │ ──▶ MQTT
//	          │   ▲                        ▲             │
//	          │   └── remote.Manager ──────┘             │
//	          │        hub.HealthReporter ──────────────▶│ ──▶ bacnethub/health/{entry}
//	          └──────────────────────────────────────────┘
//
// Reload tears a runtime down and builds a fresh one from the stored entry.
// A failure while setting up one entry is logged and recorded on that entry;
// the other entries keep running.
package supervisor
