package bacnet

import "errors"

// Domain errors for the BACnet package.
var (
	// ErrWriteAccessDenied is the rejection returned to a BACnet client whose
	// WriteProperty request was refused. Local state is never modified when
	// this error is returned.
	ErrWriteAccessDenied = errors.New("bacnet: write access denied")

	// ErrUnknownObject is returned when an object does not exist on a device.
	ErrUnknownObject = errors.New("bacnet: unknown object")

	// ErrUnknownProperty is returned when a property is not supported by an object.
	ErrUnknownProperty = errors.New("bacnet: unknown property")

	// ErrObjectExists is returned when creating an object whose identifier is taken.
	ErrObjectExists = errors.New("bacnet: object already exists")

	// ErrInvalidAddress is returned when a bind address cannot be parsed.
	ErrInvalidAddress = errors.New("bacnet: invalid bind address")

	// ErrInvalidInstance is returned when a device or object instance is out of range.
	ErrInvalidInstance = errors.New("bacnet: invalid instance number")

	// ErrAddressInUse is returned by Bind when another device holds the address.
	ErrAddressInUse = errors.New("bacnet: address already in use")

	// ErrNotBound is returned when an operation requires a bound local device.
	ErrNotBound = errors.New("bacnet: device not bound")

	// ErrTimeout is returned when a remote device does not answer in time.
	ErrTimeout = errors.New("bacnet: request timed out")

	// ErrDeviceUnreachable is returned when a remote device cannot be contacted.
	ErrDeviceUnreachable = errors.New("bacnet: device unreachable")
)
