package mirror

import "errors"

var (
	// ErrNoPublisher is returned by New without an MQTT publisher.
	ErrNoPublisher = errors.New("mirror: publisher is required")

	// ErrUnknownEntity is returned when a value targets an entity that was never published.
	ErrUnknownEntity = errors.New("mirror: unknown entity")
)
