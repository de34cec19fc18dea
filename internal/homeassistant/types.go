package homeassistant

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Sentinel state strings used by the platform for missing values.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// EntityState is a snapshot of one entity in the state machine.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// Domain returns the entity id prefix, e.g. "climate".
func (s EntityState) Domain() string {
	return Domain(s.EntityID)
}

// Known reports whether the state carries a real value.
func (s EntityState) Known() bool {
	raw := strings.ToLower(strings.TrimSpace(s.State))
	return raw != "" && raw != StateUnknown && raw != StateUnavailable && raw != "none"
}

// IsNumeric reports whether the state parses as a float.
func (s EntityState) IsNumeric() bool {
	if !s.Known() {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(s.State), 64)
	return err == nil
}

// Attr returns an attribute value and whether it is present.
func (s EntityState) Attr(name string) (any, bool) {
	if s.Attributes == nil {
		return nil, false
	}
	v, ok := s.Attributes[name]
	return v, ok
}

// FriendlyName returns the friendly_name attribute or the entity id.
func (s EntityState) FriendlyName() string {
	if v, ok := s.Attr("friendly_name"); ok {
		if name, isStr := v.(string); isStr && name != "" {
			return name
		}
	}
	return s.EntityID
}

// UnitOfMeasurement returns the unit_of_measurement attribute, if any.
func (s EntityState) UnitOfMeasurement() string {
	if v, ok := s.Attr("unit_of_measurement"); ok {
		if u, isStr := v.(string); isStr {
			return u
		}
	}
	return ""
}

// Domain returns the domain part of an entity id.
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}

// EntityEntry is an entity registry row.
type EntityEntry struct {
	EntityID   string   `json:"entity_id"`
	DeviceID   string   `json:"device_id"`
	AreaID     string   `json:"area_id"`
	Labels     []string `json:"labels"`
	DisabledBy string   `json:"disabled_by"`
	Platform   string   `json:"platform"`
}

// DeviceEntry is a device registry row.
type DeviceEntry struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	AreaID string   `json:"area_id"`
	Labels []string `json:"labels"`
}

// AreaEntry is an area registry row.
type AreaEntry struct {
	ID     string   `json:"area_id"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// LabelEntry is a label registry row.
type LabelEntry struct {
	ID   string `json:"label_id"`
	Name string `json:"name"`
}

// StateChange is a state_changed event. Old or New is nil when the entity
// appeared or was removed.
type StateChange struct {
	EntityID string
	Old      *EntityState
	New      *EntityState
}

// RegistryKind names the registry a change happened in.
type RegistryKind string

// Registry kinds.
const (
	RegistryEntity RegistryKind = "entity"
	RegistryDevice RegistryKind = "device"
	RegistryArea   RegistryKind = "area"
	RegistryLabel  RegistryKind = "label"
)

// RegistryEvent is a create/update/remove notification from a registry.
type RegistryEvent struct {
	Kind   RegistryKind
	Action string
	ID     string
}

// Registry reads the platform's entity, device, area and label registries
// and the current state machine.
type Registry interface {
	ListEntities(ctx context.Context) ([]EntityEntry, error)
	ListDevices(ctx context.Context) ([]DeviceEntry, error)
	ListAreas(ctx context.Context) ([]AreaEntry, error)
	ListLabels(ctx context.Context) ([]LabelEntry, error)
	States(ctx context.Context) ([]EntityState, error)
}

// EventSource delivers state and registry change notifications. The returned
// function cancels the subscription.
type EventSource interface {
	SubscribeStateChanges(ctx context.Context, fn func(StateChange)) (func(), error)
	SubscribeRegistryChanges(ctx context.Context, fn func(RegistryEvent)) (func(), error)
}

// ServiceCaller invokes platform services.
type ServiceCaller interface {
	HasService(domain, service string) bool
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Platform is a complete home-automation connection.
type Platform interface {
	Registry
	EventSource
	ServiceCaller
}
