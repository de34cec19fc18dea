// Package store persists configuration entries and the imported entity
// registry in SQLite.
//
// The mapping table is never stored: it is rebuilt from the platform
// registries on every start. The only durable state besides entry
// configuration is the enabled flag of imported remote points.
//
//	entries            1 ──< imported_entities
//	(id, instance,          (entry_id, unique_id, enabled, ...)
//	 address, labels)
package store
