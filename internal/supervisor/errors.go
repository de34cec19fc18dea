package supervisor

import "errors"

// Domain errors for entry supervision.
var (
	// ErrEntryIDRequired is returned by Reload without an entry id when more
	// than one entry exists.
	ErrEntryIDRequired = errors.New("supervisor: entry id required")

	// ErrEntryNotFound is returned when no entry has the requested id.
	ErrEntryNotFound = errors.New("supervisor: entry not found")

	// ErrNotRunning is returned when the entry has no live runtime.
	ErrNotRunning = errors.New("supervisor: entry not running")

	// ErrRemoteDisabled is returned for remote operations when remote
	// discovery is turned off.
	ErrRemoteDisabled = errors.New("supervisor: remote discovery disabled")

	// ErrAlreadyStarted is returned by Start on a running supervisor.
	ErrAlreadyStarted = errors.New("supervisor: already started")
)
