// Package naming derives every identifier the hub exposes.
//
// All names are pure functions of (hub or client instance, object type,
// object instance) plus the source entity. Nothing here depends on insertion
// order, so reloading a configuration reproduces byte-identical identifiers.
//
// Published (hub-side) and imported (client-side) identifiers use disjoint
// prefixes, so the two managers never need to coordinate.
package naming

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// Domain is the integration domain embedded in published unique IDs.
const Domain = "bacnet_hub"

// StateSource is the pseudo attribute name used when the primary state is mirrored.
const StateSource = "__state__"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses runs of non-alphanumerics to "_".
// An empty result is replaced with fallback.
func Slug(s, fallback string) string {
	out := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_"), "_")
	if out == "" {
		return fallback
	}
	return out
}

// HubKey identifies a hub by its device instance and bind address.
//
// Example: HubKey(8123, "192.168.1.10/24") = "inst_8123_192_168_1_10_24"
func HubKey(instance uint32, address string) string {
	return fmt.Sprintf("inst_%d_%s", instance, Slug(address, "addr_unknown"))
}

// PublishedUniqueID is the durable identifier of a published object.
//
// Example: "bacnet_hub:hub:inst_8123_192_168_1_10_24:analog-value:0"
func PublishedUniqueID(hubKey string, t bacnet.ObjectType, instance uint32) string {
	return fmt.Sprintf("%s:hub:%s:%s:%d", Domain, hubKey, t.Kebab(), instance)
}

// SuggestedObjectID returns an underscore-safe entity object id, e.g. "analog_value_0".
func SuggestedObjectID(t bacnet.ObjectType, instance uint32) string {
	return fmt.Sprintf("%s_%d", t.Snake(), instance)
}

// NormalizeAttr lowercases an attribute name; the primary state is "".
func NormalizeAttr(attr string) string {
	a := strings.ToLower(strings.TrimSpace(attr))
	if a == StateSource {
		return ""
	}
	return a
}

// SourceKey keys a mapping by its source: "sensor.temp|__state__" or
// "climate.lounge|hvac_mode".
func SourceKey(entityID, attr string) string {
	a := NormalizeAttr(attr)
	if a == "" {
		a = StateSource
	}
	return entityID + "|" + a
}

// ObjectName is the BACnet object-name of a published mapping.
func ObjectName(entityID, attr string) string {
	if a := NormalizeAttr(attr); a != "" {
		return entityID + "." + a
	}
	return entityID
}

var attrSuffix = map[string]string{
	"hvac_mode":           "HVAC Mode",
	"hvac_action":         "HVAC Action",
	"current_temperature": "Current Temperature",
	"set_temperature":     "Set Temperature",
}

// FriendlyName appends the attribute suffix ("Lounge HVAC Mode") to the
// entity's friendly name. Unknown attributes keep the base name.
func FriendlyName(base, attr string) string {
	if base == "" {
		base = "Unknown"
	}
	if suffix, ok := attrSuffix[NormalizeAttr(attr)]; ok {
		return base + " " + suffix
	}
	return base
}

// ClientID identifies a discovered remote device.
func ClientID(deviceInstance uint32) string {
	return fmt.Sprintf("client_%d", deviceInstance)
}

// ImportedEntityID is the entity id of an imported point,
// e.g. "sensor.bacnet_doi_100_ai_3".
func ImportedEntityID(platform string, clientInstance uint32, t bacnet.ObjectType, instance uint32) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if p == "" {
		p = "sensor"
	}
	return fmt.Sprintf("%s.bacnet_doi_%d_%s_%d", p, clientInstance, t.Short(), instance)
}

// ImportedUniqueID is the durable identifier of an imported point,
// e.g. "3f0c...-client_100-point-ai-3".
func ImportedUniqueID(entryID string, clientInstance uint32, t bacnet.ObjectType, instance uint32) string {
	return fmt.Sprintf("%s-%s-point-%s-%d", entryID, ClientID(clientInstance), t.Short(), instance)
}

// maxProcessID bounds COV subscriber process identifiers (22 bits).
const maxProcessID = 4194303

// COVProcessID derives a stable subscriber process identifier in 1..4194303.
func COVProcessID(uniqueID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uniqueID)) //nolint:errcheck // hash.Hash never returns an error
	return h.Sum32()%maxProcessID + 1
}
