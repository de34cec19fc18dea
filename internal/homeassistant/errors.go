package homeassistant

import "errors"

// Domain errors for the home-automation adapter.
var (
	// ErrAuthFailed is returned when the access token is rejected.
	ErrAuthFailed = errors.New("homeassistant: authentication failed")

	// ErrNotConnected is returned when the WebSocket is closed.
	ErrNotConnected = errors.New("homeassistant: not connected")

	// ErrCommandFailed is returned when a command result reports success=false.
	ErrCommandFailed = errors.New("homeassistant: command failed")

	// ErrUnexpectedMessage is returned when the handshake sees an unknown message type.
	ErrUnexpectedMessage = errors.New("homeassistant: unexpected message")
)
