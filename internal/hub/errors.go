package hub

import "errors"

// Domain errors for the hub engine.
var (
	// ErrMappingNotFound is returned when no mapping exists for an object or source.
	ErrMappingNotFound = errors.New("hub: mapping not found")

	// ErrNotWritable is returned when a write targets a read-only mapping.
	ErrNotWritable = errors.New("hub: mapping not writable")

	// ErrNoService is returned when no platform service can carry a write.
	ErrNoService = errors.New("hub: no service for write")

	// ErrValueOutOfRange is returned when a written value has no meaning for the mapping.
	ErrValueOutOfRange = errors.New("hub: value out of range")

	// ErrSchedulerStopped is returned when a job is submitted after the loop exited.
	ErrSchedulerStopped = errors.New("hub: scheduler stopped")

	// ErrAlreadyStarted is returned by Start on a running hub.
	ErrAlreadyStarted = errors.New("hub: already started")
)
