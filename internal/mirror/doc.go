// Package mirror exposes hub state to Home Assistant through MQTT discovery.
//
// Two kinds of entity are published for one configuration entry:
//
//	published mapping ──▶ diagnostic sensor / binary_sensor   (read-only view of the BACnet object)
//	imported point    ──▶ sensor / number / switch / select / text
//	                        │
//	                        └── bacnethub/{entry}/{unique_id}/set ──▶ remote point write
//
// Discovery configs and states are retained. Removing an entity publishes an
// empty retained config, which Home Assistant treats as a delete. Imported
// points are only surfaced while enabled in the registry.
package mirror
