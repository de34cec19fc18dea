package store

import "errors"

// Domain errors for persistence.
var (
	// ErrEntryNotFound is returned when no entry has the requested ID.
	ErrEntryNotFound = errors.New("store: entry not found")

	// ErrEntryExists is returned when creating an entry whose ID is taken.
	ErrEntryExists = errors.New("store: entry already exists")

	// ErrInvalidEntry is returned when an entry fails validation.
	ErrInvalidEntry = errors.New("store: invalid entry")

	// ErrImportedNotFound is returned when no imported entity has the unique ID.
	ErrImportedNotFound = errors.New("store: imported entity not found")
)
