package hub

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
)

// Scope says where a selected label was found.
type Scope string

// Label scopes.
const (
	ScopeEntity Scope = "entity"
	ScopeDevice Scope = "device"
	ScopeArea   Scope = "area"
)

// Provenance records why an entity was selected.
type Provenance struct {
	Label string `json:"label"`
	Scope Scope  `json:"scope"`
}

// Candidate is an entity selected by label resolution, with its current state.
type Candidate struct {
	EntityID   string
	State      homeassistant.EntityState
	Provenance []Provenance
}

// Resolver answers label-scope queries against one registry snapshot.
type Resolver interface {
	ResolveByLabel(labels []string) []Candidate
	DeviceOf(entityID string) (homeassistant.DeviceEntry, bool)
	AreaOf(entityID string) (homeassistant.AreaEntry, bool)
}

// Index is an immutable snapshot of the platform registries.
type Index struct {
	entities map[string]homeassistant.EntityEntry
	devices  map[string]homeassistant.DeviceEntry
	areas    map[string]homeassistant.AreaEntry
	labels   []homeassistant.LabelEntry
	states   map[string]homeassistant.EntityState
}

// BuildIndex reads every registry and the state machine once.
//
// Parameters:
//   - ctx: Context for the registry reads
//   - reg: Platform registry
//
// Returns:
//   - *Index: Snapshot ready for resolution
//   - error: First registry read failure
func BuildIndex(ctx context.Context, reg homeassistant.Registry) (*Index, error) {
	entities, err := reg.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	devices, err := reg.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	areas, err := reg.ListAreas(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing areas: %w", err)
	}
	labels, err := reg.ListLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	states, err := reg.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading states: %w", err)
	}
	return NewIndex(entities, devices, areas, labels, states), nil
}

// NewIndex builds an Index from registry rows.
func NewIndex(
	entities []homeassistant.EntityEntry,
	devices []homeassistant.DeviceEntry,
	areas []homeassistant.AreaEntry,
	labels []homeassistant.LabelEntry,
	states []homeassistant.EntityState,
) *Index {
	ix := &Index{
		entities: make(map[string]homeassistant.EntityEntry, len(entities)),
		devices:  make(map[string]homeassistant.DeviceEntry, len(devices)),
		areas:    make(map[string]homeassistant.AreaEntry, len(areas)),
		labels:   slices.Clone(labels),
		states:   make(map[string]homeassistant.EntityState, len(states)),
	}
	for _, e := range entities {
		ix.entities[e.EntityID] = e
	}
	for _, d := range devices {
		ix.devices[d.ID] = d
	}
	for _, a := range areas {
		ix.areas[a.ID] = a
	}
	for _, s := range states {
		ix.states[s.EntityID] = s
	}
	return ix
}

// State returns the snapshot state of an entity.
func (ix *Index) State(entityID string) (homeassistant.EntityState, bool) {
	s, ok := ix.states[entityID]
	return s, ok
}

// DeviceOf returns the device an entity belongs to.
func (ix *Index) DeviceOf(entityID string) (homeassistant.DeviceEntry, bool) {
	e, ok := ix.entities[entityID]
	if !ok || e.DeviceID == "" {
		return homeassistant.DeviceEntry{}, false
	}
	d, ok := ix.devices[e.DeviceID]
	return d, ok
}

// AreaOf returns the entity's own area, or its device's area when unset.
func (ix *Index) AreaOf(entityID string) (homeassistant.AreaEntry, bool) {
	e, ok := ix.entities[entityID]
	if !ok {
		return homeassistant.AreaEntry{}, false
	}
	areaID := e.AreaID
	if areaID == "" {
		if d, hasDevice := ix.DeviceOf(entityID); hasDevice {
			areaID = d.AreaID
		}
	}
	if areaID == "" {
		return homeassistant.AreaEntry{}, false
	}
	a, ok := ix.areas[areaID]
	return a, ok
}

// selectedLabelIDs maps configured labels (ids or names, case-insensitive)
// to registry label ids. Configured labels with no registry row are matched
// as raw ids.
func (ix *Index) selectedLabelIDs(labels []string) map[string]string {
	out := make(map[string]string, len(labels))
	for _, want := range labels {
		w := strings.ToLower(strings.TrimSpace(want))
		if w == "" {
			continue
		}
		matched := false
		for _, l := range ix.labels {
			if strings.EqualFold(l.ID, w) || strings.EqualFold(l.Name, w) {
				out[l.ID] = want
				matched = true
			}
		}
		if !matched {
			out[w] = want
		}
	}
	return out
}

// ResolveByLabel returns entities carrying a selected label on the entity,
// its device, or its area. Disabled entities and entities without a state
// are skipped. Results are sorted by entity id.
func (ix *Index) ResolveByLabel(labels []string) []Candidate {
	selected := ix.selectedLabelIDs(labels)
	if len(selected) == 0 {
		return nil
	}

	ids := make([]string, 0, len(ix.entities))
	for id := range ix.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []Candidate
	for _, id := range ids {
		e := ix.entities[id]
		if e.DisabledBy != "" {
			continue
		}
		state, ok := ix.states[id]
		if !ok {
			continue
		}

		var prov []Provenance
		prov = appendMatches(prov, e.Labels, selected, ScopeEntity)
		if d, hasDevice := ix.DeviceOf(id); hasDevice {
			prov = appendMatches(prov, d.Labels, selected, ScopeDevice)
		}
		if a, hasArea := ix.AreaOf(id); hasArea {
			prov = appendMatches(prov, a.Labels, selected, ScopeArea)
		}
		if len(prov) == 0 {
			continue
		}
		out = append(out, Candidate{EntityID: id, State: state, Provenance: prov})
	}
	return out
}

func appendMatches(prov []Provenance, attached []string, selected map[string]string, scope Scope) []Provenance {
	for _, l := range attached {
		if name, ok := selected[strings.ToLower(l)]; ok {
			prov = append(prov, Provenance{Label: name, Scope: scope})
			continue
		}
		if name, ok := selected[l]; ok {
			prov = append(prov, Provenance{Label: name, Scope: scope})
		}
	}
	return prov
}

var _ Resolver = (*Index)(nil)
