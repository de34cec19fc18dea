package remote

import "errors"

// Domain errors for remote point import.
var (
	// ErrPointNotFound is returned when no imported point has the unique ID.
	ErrPointNotFound = errors.New("remote: point not found")

	// ErrPointNotWritable is returned when a write targets a read-only point.
	ErrPointNotWritable = errors.New("remote: point not writable")

	// ErrPointDisabled is returned when a write targets a disabled imported entity.
	ErrPointDisabled = errors.New("remote: point disabled")

	// ErrInvalidCommand is returned when a command cannot be converted for the point.
	ErrInvalidCommand = errors.New("remote: invalid command")

	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("remote: already started")
)
