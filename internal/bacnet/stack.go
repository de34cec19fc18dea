package bacnet

import (
	"context"
	"net/netip"
	"time"
)

// DeviceConfig describes the local virtual device.
type DeviceConfig struct {
	Instance    uint32
	Address     BindAddress
	ObjectName  string
	Description string
}

// WriteRequest is a WriteProperty(present-value) received from a BACnet client.
type WriteRequest struct {
	Object   ObjectID
	Value    Value
	Priority uint8
}

// WriteHandler decides whether a received write is accepted. Returning
// ErrWriteAccessDenied (or any error) rejects the request; the stack then
// answers the client with writeAccessDenied and leaves the object untouched.
type WriteHandler func(ctx context.Context, req WriteRequest) error

// ObjectServer is the local-device half of the stack: object lifecycle and
// present-value access on the hub's virtual device.
type ObjectServer interface {
	// Bind opens the device socket. Returns ErrAddressInUse when the port is held.
	Bind(ctx context.Context, cfg DeviceConfig) error

	// CreateObject adds an object. Returns ErrObjectExists when the identifier is taken.
	CreateObject(ctx context.Context, obj Object) error

	// UpdateObject replaces descriptive properties (name, description, units,
	// state text, COV increment, writability) while preserving present-value.
	UpdateObject(ctx context.Context, obj Object) error

	// DeleteObject removes an object. Returns ErrUnknownObject when absent.
	DeleteObject(ctx context.Context, id ObjectID) error

	// Object returns a snapshot of a hosted object.
	Object(id ObjectID) (Object, bool)

	// SetPresentValue updates present-value and emits COV notifications.
	SetPresentValue(ctx context.Context, id ObjectID, v Value) error

	// SetWriteHandler installs the handler consulted for incoming writes.
	SetWriteHandler(h WriteHandler)

	// Close releases the socket and all hosted objects.
	Close() error
}

// BroadcastScope selects where a Who-Is is sent.
type BroadcastScope int

// Broadcast scopes.
const (
	BroadcastLocal BroadcastScope = iota
	BroadcastGlobal
)

// IAm is a discovered remote device.
type IAm struct {
	Instance uint32
	Address  netip.AddrPort
	VendorID uint16
}

// COVRequest subscribes a local process to value changes of a remote object.
type COVRequest struct {
	Device    IAm
	Object    ObjectID
	ProcessID uint32
	Lifetime  time.Duration
}

// COVNotification is a change-of-value delivered for an active subscription.
type COVNotification struct {
	DeviceInstance uint32
	Object         ObjectID
	ProcessID      uint32
	Value          Value
}

// COVHandler receives COV notifications.
type COVHandler func(n COVNotification)

// Client is the remote-device half of the stack.
type Client interface {
	// WhoIs broadcasts a Who-Is and collects I-Am answers until ctx expires.
	WhoIs(ctx context.Context, scope BroadcastScope) ([]IAm, error)

	// ReadObjectList enumerates a device's objects.
	ReadObjectList(ctx context.Context, dev IAm) ([]ObjectID, error)

	// ReadProperty reads a property. Returns ErrUnknownProperty when unsupported.
	ReadProperty(ctx context.Context, dev IAm, obj ObjectID, prop PropertyID) (Value, error)

	// WriteProperty writes present-value at the given priority (0 = none).
	WriteProperty(ctx context.Context, dev IAm, obj ObjectID, v Value, priority uint8) error

	// SubscribeCOV creates or renews a confirmed COV subscription.
	SubscribeCOV(ctx context.Context, req COVRequest) error

	// UnsubscribeCOV cancels a COV subscription.
	UnsubscribeCOV(ctx context.Context, req COVRequest) error

	// SetCOVHandler installs the receiver of COV notifications.
	SetCOVHandler(h COVHandler)
}

// Stack is a complete BACnet/IP protocol stack.
type Stack interface {
	ObjectServer
	Client
}
