package hub

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
)

// HistoryWriter records mirrored values. The InfluxDB client satisfies it.
type HistoryWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// historyMeasurement is the measurement name for mirrored and received values.
const historyMeasurement = "bacnet_value"

var (
	falseWords = map[string]bool{"0": true, "false": true, "off": true, "closed": true, "inactive": true, "idle": true}
	trueWords  = map[string]bool{
		"1": true, "true": true, "on": true, "open": true, "active": true,
		"heat": true, "cool": true, "heating": true, "cooling": true,
	}
)

// SourceValue extracts the raw value a spec mirrors: the read attribute,
// else the source attribute, else the state. A missing hvac_mode attribute
// falls back to the state.
func SourceValue(state homeassistant.EntityState, spec MappingSpec) any {
	attr := spec.ReadAttr
	if attr == "" {
		attr = spec.SourceAttr
	}
	if attr == "" {
		return state.State
	}
	v, ok := state.Attr(attr)
	if (!ok || v == nil) && attr == AttrHVACMode {
		return state.State
	}
	return v
}

func absent(raw any) bool {
	if raw == nil {
		return true
	}
	if s, ok := raw.(string); ok {
		t := strings.ToLower(strings.TrimSpace(s))
		return t == "" || t == homeassistant.StateUnknown || t == homeassistant.StateUnavailable
	}
	return false
}

// Coerce converts a raw source value into the object's present-value
// representation. ok is false when the value is absent or has no meaning
// for the object type, in which case the object keeps its last value.
func Coerce(spec MappingSpec, raw any) (bacnet.Value, bool) {
	if absent(raw) {
		return bacnet.Null, false
	}

	switch spec.ObjectType {
	case bacnet.AnalogValue:
		f, ok := toFloat(raw)
		if !ok {
			return bacnet.Null, false
		}
		return bacnet.Real(f), true

	case bacnet.MultiStateValue:
		text := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
		states := spec.StateText
		if len(states) < 2 {
			states = []string{"off", "on"}
		}
		if i := slices.Index(states, text); i >= 0 {
			return bacnet.Unsigned(uint32(i + 1)), true
		}
		return bacnet.Unsigned(1), true

	default:
		if spec.SourceAttr == AttrHVACAction {
			text := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
			return bacnet.Binary(text != "idle" && text != "off"), true
		}
		if spec.WriteAction == WriteClimateHVACMode {
			on := spec.OnMode
			if on == "" {
				on = "heat"
			}
			return bacnet.Binary(strings.EqualFold(strings.TrimSpace(fmt.Sprint(raw)), on)), true
		}
		b, ok := truthy(raw)
		if !ok {
			return bacnet.Null, false
		}
		return bacnet.Binary(b), true
	}
}

// truthy interprets a raw value as on/off. ok is false for unrecognised text.
func truthy(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	}
	text := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
	if falseWords[text] {
		return false, true
	}
	if trueWords[text] {
		return true, true
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f != 0, true
	}
	return false, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(raw)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Mirror pushes source values into present-values.
type Mirror struct {
	hubKey  string
	table   *Table
	stack   bacnet.ObjectServer
	sink    MirrorSink
	history HistoryWriter
	logger  func() Logger
}

// MirrorResult reports what one Apply did.
type MirrorResult struct {
	Updated int

	// Reshape is true when inference on the new state disagrees with the
	// mapped specs, so a reconciliation is needed.
	Reshape bool
}

// Apply mirrors one entity snapshot into every mapping sourced from it.
func (mr *Mirror) Apply(ctx context.Context, state homeassistant.EntityState) MirrorResult {
	var res MirrorResult
	mapped := mr.table.ByEntity(state.EntityID)
	if len(mapped) == 0 {
		return res
	}

	inferred := make(map[string]MappingSpec)
	for _, spec := range Infer(state) {
		inferred[spec.Key()] = spec
	}
	if len(inferred) != len(mapped) {
		res.Reshape = true
	}

	for _, m := range mapped {
		if want, ok := inferred[m.Key()]; !ok || !want.shapeEqual(m.Spec) || !want.metadataEqual(m.Spec) {
			res.Reshape = true
		}
		if mr.push(ctx, m, SourceValue(state, m.Spec)) {
			res.Updated++
		}
	}
	return res
}

func (mr *Mirror) push(ctx context.Context, m Mapping, raw any) bool {
	v, ok := Coerce(m.Spec, raw)
	if !ok {
		mr.logger().Debug("source value skipped", "object", m.Object.String(), "entity_id", m.Spec.EntityID)
		return false
	}
	if obj, exists := mr.stack.Object(m.Object); exists && obj.PresentValue.Equal(v) {
		return false
	}
	if err := mr.stack.SetPresentValue(ctx, m.Object, v); err != nil {
		mr.logger().Warn("present-value update failed", "object", m.Object.String(), "error", err)
		return false
	}

	if mr.sink != nil {
		if err := mr.sink.PublishValue(ctx, m.UniqueID, v); err != nil {
			mr.logger().Debug("mirror value publish failed", "object", m.Object.String(), "error", err)
		}
	}
	if mr.history != nil {
		if f, numeric := historyField(v); numeric {
			mr.history.WritePoint(historyMeasurement,
				map[string]string{"hub": mr.hubKey, "object": m.Object.String(), "source": m.Spec.EntityID},
				map[string]any{"value": f},
			)
		}
	}
	return true
}

func historyField(v bacnet.Value) (float64, bool) {
	switch v.Kind {
	case bacnet.KindReal:
		return v.Real, true
	case bacnet.KindBinary:
		if v.Binary {
			return 1, true
		}
		return 0, true
	case bacnet.KindUnsigned:
		return float64(v.Unsigned), true
	default:
		return 0, false
	}
}
