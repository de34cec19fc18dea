package hub

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

// Climate attribute names mirrored as separate objects.
const (
	AttrHVACMode           = "hvac_mode"
	AttrHVACAction         = "hvac_action"
	AttrCurrentTemperature = "current_temperature"
	AttrSetTemperature     = "set_temperature"

	attrTemperature = "temperature"
)

// WriteAction selects how an accepted write is turned into a service call.
type WriteAction string

// Write actions.
const (
	WriteNone            WriteAction = ""
	WriteDomainDefault   WriteAction = "domain"
	WriteClimateHVACMode WriteAction = "climate_hvac_mode"
	WriteClimateSetpoint WriteAction = "climate_temperature"
)

// Climate COV increments.
const (
	covCurrentTemperature = 0.2
	covSetTemperature     = 0.1
)

// binaryDomains always map to BinaryValue.
var binaryDomains = map[string]bool{
	"binary_sensor":       true,
	"switch":              true,
	"light":               true,
	"lock":                true,
	"cover":               true,
	"input_boolean":       true,
	"alarm_control_panel": true,
	"device_tracker":      true,
	"button":              true,
}

// writableDomains accept BACnet writes on their primary state.
var writableDomains = map[string]bool{
	"light":        true,
	"switch":       true,
	"fan":          true,
	"group":        true,
	"cover":        true,
	"number":       true,
	"input_number": true,
}

// MappingSpec is the inferred shape of one published object.
type MappingSpec struct {
	EntityID string

	// SourceAttr is "" when the primary state is mirrored.
	SourceAttr string

	// ReadAttr overrides the attribute read for the value (set_temperature reads "temperature").
	ReadAttr string

	ObjectType   bacnet.ObjectType
	Units        bacnet.EngineeringUnits
	UnitText     string
	COVIncrement float64
	StateText    []string
	Writable     bool
	WriteAction  WriteAction

	// OnMode and OffMode carry the two modes of a binary hvac_mode.
	OnMode  string
	OffMode string

	FriendlyName string
}

// Key returns the mapping source key.
func (s MappingSpec) Key() string {
	return naming.SourceKey(s.EntityID, s.SourceAttr)
}

// shapeEqual reports whether two specs publish the same object shape.
// Friendly name differences are a metadata update, not a shape change.
func (s MappingSpec) shapeEqual(o MappingSpec) bool {
	return s.ObjectType == o.ObjectType &&
		slices.Equal(s.StateText, o.StateText)
}

// metadataEqual reports whether descriptive properties match.
func (s MappingSpec) metadataEqual(o MappingSpec) bool {
	return s.FriendlyName == o.FriendlyName &&
		s.Units == o.Units &&
		s.UnitText == o.UnitText &&
		s.COVIncrement == o.COVIncrement &&
		s.Writable == o.Writable &&
		s.WriteAction == o.WriteAction &&
		s.OnMode == o.OnMode &&
		s.OffMode == o.OffMode &&
		s.ReadAttr == o.ReadAttr
}

// Infer decides the published objects for an entity snapshot. It never fails:
// entities that fit nothing better become a BinaryValue.
func Infer(state homeassistant.EntityState) []MappingSpec {
	domain := state.Domain()
	if domain == "climate" {
		return inferClimate(state)
	}

	spec := MappingSpec{
		EntityID:     state.EntityID,
		ObjectType:   bacnet.BinaryValue,
		Units:        bacnet.UnitsNoUnits,
		Writable:     writableDomains[domain],
		FriendlyName: state.FriendlyName(),
	}
	if spec.Writable {
		spec.WriteAction = WriteDomainDefault
	}

	uom := state.UnitOfMeasurement()
	if !binaryDomains[domain] && (uom != "" || state.IsNumeric()) {
		spec.ObjectType = bacnet.AnalogValue
		spec.UnitText = uom
		spec.Units = bacnet.UnitsFromHA(uom)
		spec.COVIncrement = bacnet.DefaultCOVIncrement(uom)
	}
	return []MappingSpec{spec}
}

func inferClimate(state homeassistant.EntityState) []MappingSpec {
	base := state.FriendlyName()
	current, _ := state.Attr(AttrHVACMode)
	if current == nil {
		// hvac_mode mirrors the state when the attribute is missing.
		current = state.State
	}
	modes := normalizeHVACModes(attrList(state, "hvac_modes"), current)

	hvac := MappingSpec{
		EntityID:     state.EntityID,
		SourceAttr:   AttrHVACMode,
		Units:        bacnet.UnitsNoUnits,
		Writable:     true,
		WriteAction:  WriteClimateHVACMode,
		FriendlyName: naming.FriendlyName(base, AttrHVACMode),
	}
	if isOffHeat(modes) {
		hvac.ObjectType = bacnet.BinaryValue
		hvac.OnMode = "heat"
		hvac.OffMode = "off"
	} else {
		hvac.ObjectType = bacnet.MultiStateValue
		hvac.StateText = modes
	}
	specs := []MappingSpec{hvac}

	if _, ok := state.Attr(AttrHVACAction); ok {
		specs = append(specs, MappingSpec{
			EntityID:     state.EntityID,
			SourceAttr:   AttrHVACAction,
			ObjectType:   bacnet.BinaryValue,
			Units:        bacnet.UnitsNoUnits,
			FriendlyName: naming.FriendlyName(base, AttrHVACAction),
		})
	}

	unit := climateUnit(state)
	if _, ok := state.Attr(AttrCurrentTemperature); ok {
		specs = append(specs, MappingSpec{
			EntityID:     state.EntityID,
			SourceAttr:   AttrCurrentTemperature,
			ObjectType:   bacnet.AnalogValue,
			Units:        bacnet.UnitsFromHA(unit),
			UnitText:     unit,
			COVIncrement: covCurrentTemperature,
			FriendlyName: naming.FriendlyName(base, AttrCurrentTemperature),
		})
	}
	if _, ok := state.Attr(attrTemperature); ok {
		specs = append(specs, MappingSpec{
			EntityID:     state.EntityID,
			SourceAttr:   AttrSetTemperature,
			ReadAttr:     attrTemperature,
			ObjectType:   bacnet.AnalogValue,
			Units:        bacnet.UnitsFromHA(unit),
			UnitText:     unit,
			COVIncrement: covSetTemperature,
			Writable:     true,
			WriteAction:  WriteClimateSetpoint,
			FriendlyName: naming.FriendlyName(base, AttrSetTemperature),
		})
	}
	return specs
}

func climateUnit(state homeassistant.EntityState) string {
	for _, name := range []string{"temperature_unit", "unit_of_measurement"} {
		if v, ok := state.Attr(name); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func attrList(state homeassistant.EntityState, name string) []any {
	v, ok := state.Attr(name)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

// normalizeHVACModes lowercases and de-duplicates the mode list, appends the
// current mode if missing and forces "off" to the front. An empty result is
// [off heat].
func normalizeHVACModes(raw []any, current any) []string {
	var modes []string
	add := func(v any) {
		if v == nil {
			return
		}
		m := strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
		if m == "" || m == homeassistant.StateUnknown || m == homeassistant.StateUnavailable {
			return
		}
		if !slices.Contains(modes, m) {
			modes = append(modes, m)
		}
	}
	for _, v := range raw {
		add(v)
	}
	add(current)

	if len(modes) == 0 {
		return []string{"off", "heat"}
	}
	out := []string{"off"}
	for _, m := range modes {
		if m != "off" {
			out = append(out, m)
		}
	}
	return out
}

func isOffHeat(modes []string) bool {
	return len(modes) == 2 && modes[0] == "off" && modes[1] == "heat"
}
