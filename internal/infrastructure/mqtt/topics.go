package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots.
const (
	// TopicPrefix is the base for every topic owned by the bridge.
	TopicPrefix = "bacnethub"

	// DiscoveryPrefix is the Home Assistant MQTT discovery root.
	DiscoveryPrefix = "homeassistant"
)

// Topics provides builders for bridge topics.
//
// Entity topics are scoped per configuration entry:
//
//	bacnethub/{entry_id}/{unique_id}/state
//	bacnethub/{entry_id}/{unique_id}/availability
//	bacnethub/{entry_id}/{unique_id}/set
type Topics struct{}

// SystemStatus returns the retained process status topic (also the LWT topic).
//
// Example: bacnethub/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/status"
}

// Health returns the retained health topic of an entry.
//
// Example: bacnethub/health/3f0c
func (Topics) Health(entryID string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, entryID)
}

// EntityState returns the state topic of an exposed entity.
func (Topics) EntityState(entryID, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/state", TopicPrefix, entryID, uniqueID)
}

// EntityAvailability returns the availability topic of an exposed entity.
func (Topics) EntityAvailability(entryID, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/availability", TopicPrefix, entryID, uniqueID)
}

// EntityCommand returns the command topic of a writable exposed entity.
func (Topics) EntityCommand(entryID, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/set", TopicPrefix, entryID, uniqueID)
}

// AllEntityCommands returns a pattern matching every command topic of an entry.
//
// Pattern: bacnethub/{entry_id}/+/set
func (Topics) AllEntityCommands(entryID string) string {
	return fmt.Sprintf("%s/%s/+/set", TopicPrefix, entryID)
}

// Discovery returns the retained discovery config topic of an entity.
//
// Example: homeassistant/sensor/bacnet_doi_100_ai_1/config
func (Topics) Discovery(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", DiscoveryPrefix, component, objectID)
}

// CommandUniqueID extracts the unique ID from a command topic of the entry.
// ok is false for topics outside the entry's command pattern.
func (Topics) CommandUniqueID(entryID, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, fmt.Sprintf("%s/%s/", TopicPrefix, entryID))
	if !ok {
		return "", false
	}
	uid, ok := strings.CutSuffix(rest, "/set")
	if !ok || uid == "" || strings.Contains(uid, "/") {
		return "", false
	}
	return uid, true
}
