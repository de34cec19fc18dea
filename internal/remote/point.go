package remote

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// SubscriptionState is the COV subscription state of an imported point.
type SubscriptionState string

// Subscription states.
const (
	StateUnsubscribed  SubscriptionState = "unsubscribed"
	StateSubscribing   SubscriptionState = "subscribing"
	StateSubscribed    SubscriptionState = "subscribed"
	StateLost          SubscriptionState = "lost"
	StateResubscribing SubscriptionState = "resubscribing"
)

// Platform is the home-automation entity platform of an imported point.
type Platform string

// Entity platforms.
const (
	PlatformSensor       Platform = "sensor"
	PlatformNumber       Platform = "number"
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformSwitch       Platform = "switch"
	PlatformSelect       Platform = "select"
	PlatformText         Platform = "text"
)

// Supported reports whether points of type t can be imported.
func Supported(t bacnet.ObjectType) bool {
	switch t {
	case bacnet.AnalogInput, bacnet.AnalogOutput, bacnet.AnalogValue,
		bacnet.BinaryInput, bacnet.BinaryOutput, bacnet.BinaryValue,
		bacnet.MultiStateValue, bacnet.CharacterStringValue:
		return true
	default:
		return false
	}
}

// Writable decides writability from the object type. Outputs are writable
// only when they advertise a priority array; value objects always are.
func Writable(t bacnet.ObjectType, hasPriorityArray bool) bool {
	switch t {
	case bacnet.AnalogOutput, bacnet.BinaryOutput:
		return hasPriorityArray
	case bacnet.AnalogValue, bacnet.BinaryValue, bacnet.MultiStateValue, bacnet.CharacterStringValue:
		return true
	default:
		return false
	}
}

// PlatformFor maps a point type to the entity platform that represents it.
func PlatformFor(t bacnet.ObjectType, writable bool) Platform {
	switch t {
	case bacnet.AnalogOutput:
		if writable {
			return PlatformNumber
		}
		return PlatformSensor
	case bacnet.AnalogValue:
		return PlatformNumber
	case bacnet.BinaryInput:
		return PlatformBinarySensor
	case bacnet.BinaryOutput:
		if writable {
			return PlatformSwitch
		}
		return PlatformBinarySensor
	case bacnet.BinaryValue:
		return PlatformSwitch
	case bacnet.MultiStateValue:
		return PlatformSelect
	case bacnet.CharacterStringValue:
		return PlatformText
	default:
		return PlatformSensor
	}
}

// Client is a discovered remote device.
type Client struct {
	ID       string
	Instance uint32
	Address  netip.AddrPort
	VendorID uint16
	Name     string
	LastSeen time.Time
	Stale    bool

	iam    bacnet.IAm
	points map[bacnet.ObjectID]*Point
}

// Point is an importable object on a remote client.
type Point struct {
	ClientID       string
	ClientInstance uint32
	Object         bacnet.ObjectID
	Name           string
	Writable       bool
	Platform       Platform
	UniqueID       string
	EntityID       string
	ProcessID      uint32
	Enabled        bool

	State      SubscriptionState
	Available  bool
	Value      bacnet.Value
	LastUpdate time.Time

	leaseExpires time.Time
	nextAttempt  time.Time
	backoff      *backoff.ExponentialBackOff
}

// PointView is a read-only snapshot of a point.
type PointView struct {
	ClientID   string            `json:"client_id"`
	Object     bacnet.ObjectID   `json:"object"`
	Name       string            `json:"name"`
	Writable   bool              `json:"writable"`
	Platform   Platform          `json:"platform"`
	UniqueID   string            `json:"unique_id"`
	EntityID   string            `json:"entity_id"`
	Enabled    bool              `json:"enabled"`
	State      SubscriptionState `json:"state"`
	Available  bool              `json:"available"`
	Value      bacnet.Value      `json:"value"`
	LastUpdate time.Time         `json:"last_update,omitzero"`
}

// ClientView is a read-only snapshot of a client and its points.
type ClientView struct {
	ID       string      `json:"id"`
	Instance uint32      `json:"instance"`
	Address  string      `json:"address"`
	Name     string      `json:"name,omitempty"`
	LastSeen time.Time   `json:"last_seen"`
	Stale    bool        `json:"stale"`
	Points   []PointView `json:"points"`
}

func (p *Point) view() PointView {
	return PointView{
		ClientID:   p.ClientID,
		Object:     p.Object,
		Name:       p.Name,
		Writable:   p.Writable,
		Platform:   p.Platform,
		UniqueID:   p.UniqueID,
		EntityID:   p.EntityID,
		Enabled:    p.Enabled,
		State:      p.State,
		Available:  p.Available,
		Value:      p.Value,
		LastUpdate: p.LastUpdate,
	}
}

// ParseCommand converts a command payload from the entity side into the
// value written to the point.
//
// Parameters:
//   - t: Point object type
//   - raw: Command text, e.g. "21.5", "ON", "2" or free text for CSV
//
// Returns:
//   - bacnet.Value: Value to write
//   - error: ErrInvalidCommand if the text does not fit the type
func ParseCommand(t bacnet.ObjectType, raw string) (bacnet.Value, error) {
	text := strings.TrimSpace(raw)
	switch t {
	case bacnet.AnalogOutput, bacnet.AnalogValue:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return bacnet.Null, fmt.Errorf("%w: %q is not a number", ErrInvalidCommand, raw)
		}
		return bacnet.Real(f), nil

	case bacnet.BinaryOutput, bacnet.BinaryValue:
		switch strings.ToLower(text) {
		case "on", "true", "1", "active":
			return bacnet.Binary(true), nil
		case "off", "false", "0", "inactive":
			return bacnet.Binary(false), nil
		}
		return bacnet.Null, fmt.Errorf("%w: %q is not on/off", ErrInvalidCommand, raw)

	case bacnet.MultiStateValue:
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil || n == 0 {
			return bacnet.Null, fmt.Errorf("%w: %q is not a state index", ErrInvalidCommand, raw)
		}
		return bacnet.Unsigned(uint32(n)), nil

	case bacnet.CharacterStringValue:
		return bacnet.Text(raw), nil

	default:
		return bacnet.Null, fmt.Errorf("%w: %s is read-only", ErrInvalidCommand, t)
	}
}
