package hub

import (
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// LifecycleState is the state of a mapping row.
type LifecycleState string

// Lifecycle states.
const (
	StateActive  LifecycleState = "active"
	StateRetired LifecycleState = "retired"
)

// Mapping links one entity (or entity attribute) to one published object.
type Mapping struct {
	Object     bacnet.ObjectID `json:"object"`
	UniqueID   string          `json:"unique_id"`
	ObjectName string          `json:"object_name"`
	Spec       MappingSpec     `json:"spec"`
	Provenance []Provenance    `json:"provenance"`
	State      LifecycleState  `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Key returns the source key of the mapping.
func (m Mapping) Key() string {
	return m.Spec.Key()
}

func (m Mapping) clone() Mapping {
	m.Spec.StateText = slices.Clone(m.Spec.StateText)
	m.Provenance = slices.Clone(m.Provenance)
	return m
}

// toObject renders the object the stack should host for this mapping.
func (m Mapping) toObject() bacnet.Object {
	return bacnet.Object{
		ID:           m.Object,
		Name:         m.ObjectName,
		Description:  m.Spec.FriendlyName,
		Units:        m.Spec.Units,
		StateText:    slices.Clone(m.Spec.StateText),
		COVIncrement: m.Spec.COVIncrement,
		Writable:     m.Spec.Writable,
	}
}

// Table is the mapping arena keyed by object id, with a secondary index by
// source key.
//
// Thread Safety: The Manager is the only writer. Reads are safe from any
// goroutine and return copies.
type Table struct {
	mu       sync.RWMutex
	byObject map[bacnet.ObjectID]Mapping
	bySource map[string]bacnet.ObjectID
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byObject: make(map[bacnet.ObjectID]Mapping),
		bySource: make(map[string]bacnet.ObjectID),
	}
}

// Get returns the mapping published as id.
func (t *Table) Get(id bacnet.ObjectID) (Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byObject[id]
	if !ok {
		return Mapping{}, false
	}
	return m.clone(), true
}

// BySource returns the mapping for a source key.
func (t *Table) BySource(key string) (Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.bySource[key]
	if !ok {
		return Mapping{}, false
	}
	return t.byObject[id].clone(), true
}

// ByEntity returns every mapping sourced from entityID, in object order.
func (t *Table) ByEntity(entityID string) []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Mapping
	for _, m := range t.byObject {
		if m.Spec.EntityID == entityID {
			out = append(out, m.clone())
		}
	}
	sortMappings(out)
	return out
}

// List returns all mappings sorted by object type then instance.
func (t *Table) List() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Mapping, 0, len(t.byObject))
	for _, m := range t.byObject {
		out = append(out, m.clone())
	}
	sortMappings(out)
	return out
}

// Len returns the number of live mappings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byObject)
}

// holds reports whether a live mapping uses id.
func (t *Table) holds(id bacnet.ObjectID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byObject[id]
	return ok
}

// put inserts or replaces a mapping. A previous mapping for the same source
// is removed first so the one-per-source invariant always holds.
func (t *Table) put(m Mapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := m.Key()
	if prev, ok := t.bySource[key]; ok && prev != m.Object {
		delete(t.byObject, prev)
	}
	if old, ok := t.byObject[m.Object]; ok && old.Key() != key {
		delete(t.bySource, old.Key())
	}
	t.byObject[m.Object] = m.clone()
	t.bySource[key] = m.Object
}

// remove deletes the mapping published as id.
func (t *Table) remove(id bacnet.ObjectID) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byObject[id]
	if !ok {
		return Mapping{}, false
	}
	delete(t.byObject, id)
	if t.bySource[m.Key()] == id {
		delete(t.bySource, m.Key())
	}
	return m, true
}

func sortMappings(ms []Mapping) {
	slices.SortFunc(ms, func(a, b Mapping) int {
		if a.Object.Type != b.Object.Type {
			return int(a.Object.Type) - int(b.Object.Type)
		}
		switch {
		case a.Object.Instance < b.Object.Instance:
			return -1
		case a.Object.Instance > b.Object.Instance:
			return 1
		default:
			return 0
		}
	})
}
