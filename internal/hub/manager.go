package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

// Logger is the logging interface used by the hub engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MirrorSink exposes published mappings to the platform as entities.
type MirrorSink interface {
	// PublishedEntities lists the unique IDs of every mirror entity the sink
	// currently exposes.
	PublishedEntities() []string
	PublishMapping(ctx context.Context, m Mapping) error
	RemoveMapping(ctx context.Context, uniqueID string) error
	PublishValue(ctx context.Context, uniqueID string, v bacnet.Value) error
}

// ChangeKind describes a mapping table mutation.
type ChangeKind string

// Change kinds.
const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRetired ChangeKind = "retired"
)

// Change is one mapping table mutation.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Mapping Mapping    `json:"mapping"`
	Reason  string     `json:"reason,omitempty"`
}

// ReconcileResult summarises one reconciliation.
type ReconcileResult struct {
	Changes  []Change
	Created  int
	Updated  int
	Retired  int
	Swept    int
	Duration time.Duration
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	HubKey string
	Stack  bacnet.ObjectServer
	Sink   MirrorSink
	Logger Logger
	Now    func() time.Time
}

// Manager owns the mapping table and applies reconciliation against the
// protocol stack.
//
// Thread Safety: Reconcile, SetLabels and SweepOrphans must be called from a
// single goroutine (the scheduler loop). Table reads are safe concurrently.
type Manager struct {
	hubKey string
	stack  bacnet.ObjectServer
	sink   MirrorSink
	table  *Table
	now    func() time.Time

	counters map[bacnet.ObjectType]uint32
	labels   []string

	logger   Logger
	loggerMu sync.RWMutex
}

type desiredSpec struct {
	spec       MappingSpec
	provenance []Provenance
}

// NewManager creates a Manager with empty counters.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.HubKey == "" {
		return nil, fmt.Errorf("hub key is required")
	}
	if opts.Stack == nil {
		return nil, fmt.Errorf("stack is required")
	}
	m := &Manager{
		hubKey:   opts.HubKey,
		stack:    opts.Stack,
		sink:     opts.Sink,
		table:    NewTable(),
		now:      opts.Now,
		counters: make(map[bacnet.ObjectType]uint32),
		logger:   opts.Logger,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = noopLogger{}
	}
	return m, nil
}

// SetLogger replaces the logger.
func (m *Manager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	defer m.loggerMu.Unlock()
	m.logger = logger
}

func (m *Manager) log() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Table returns the mapping table for read access.
func (m *Manager) Table() *Table {
	return m.table
}

// Labels returns the selected label set.
func (m *Manager) Labels() []string {
	return slices.Clone(m.labels)
}

// SetLabels replaces the selected label set. Per-type counters are reset when
// the set actually changes; reordering or case differences do not count.
//
// Returns:
//   - bool: true if the set changed
func (m *Manager) SetLabels(labels []string) bool {
	next := normalizeLabels(labels)
	if slices.Equal(next, normalizeLabels(m.labels)) {
		m.labels = slices.Clone(labels)
		return false
	}
	m.labels = slices.Clone(labels)
	m.counters = make(map[bacnet.ObjectType]uint32)
	m.log().Info("label set changed, instance counters reset", "labels", strings.Join(next, ","))
	return true
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return out
}

// Reconcile diffs candidates against the table and applies creations,
// updates and retirements to the stack. Each stack call is an independent
// step: a failed step is logged and retried on the next cycle, the rest of
// the cycle still runs.
//
// Parameters:
//   - ctx: Context for stack calls
//   - candidates: Label-resolved entities, in any order
//
// Returns:
//   - ReconcileResult: Applied changes
//   - error: Joined step failures, nil if every step succeeded
func (m *Manager) Reconcile(ctx context.Context, candidates []Candidate) (ReconcileResult, error) {
	start := m.now()
	var res ReconcileResult
	var errs []error

	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b Candidate) int { return strings.Compare(a.EntityID, b.EntityID) })

	desired := make(map[string]desiredSpec)
	var order []string
	for _, c := range sorted {
		for _, spec := range Infer(c.State) {
			key := spec.Key()
			if _, dup := desired[key]; dup {
				m.log().Debug("duplicate resolution, keeping latest", "entity_id", spec.EntityID, "source_attr", spec.SourceAttr)
			} else {
				order = append(order, key)
			}
			desired[key] = desiredSpec{spec: spec, provenance: c.Provenance}
		}
	}

	// Retire first so type changes free their source key.
	blocked := make(map[string]bool)
	for _, cur := range m.table.List() {
		want, ok := desired[cur.Key()]
		reason := ""
		switch {
		case !ok:
			reason = "source no longer resolves"
		case !cur.Spec.shapeEqual(want.spec):
			reason = fmt.Sprintf("type changed to %s", want.spec.ObjectType)
		default:
			continue
		}
		if err := m.retire(ctx, cur); err != nil {
			errs = append(errs, err)
			blocked[cur.Key()] = true
			continue
		}
		cur.State = StateRetired
		res.Changes = append(res.Changes, Change{Kind: ChangeRetired, Mapping: cur, Reason: reason})
		res.Retired++
	}

	for _, key := range order {
		if blocked[key] {
			continue
		}
		want := desired[key]
		cur, exists := m.table.BySource(key)
		if !exists {
			created, err := m.create(ctx, want)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.Changes = append(res.Changes, Change{Kind: ChangeCreated, Mapping: created})
			res.Created++
			continue
		}
		updated, changed, err := m.update(ctx, cur, want)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			res.Changes = append(res.Changes, Change{Kind: ChangeUpdated, Mapping: updated})
			res.Updated++
		}
	}

	res.Swept = m.SweepOrphans(ctx)
	res.Duration = m.now().Sub(start)
	return res, errors.Join(errs...)
}

// allocate returns the lowest instance at or above the type counter that no
// live mapping holds.
func (m *Manager) allocate(t bacnet.ObjectType) (uint32, error) {
	for inst := m.counters[t]; inst <= bacnet.MaxInstance; inst++ {
		if !m.table.holds(bacnet.ObjectID{Type: t, Instance: inst}) {
			return inst, nil
		}
	}
	return 0, fmt.Errorf("%w: %s instances exhausted", bacnet.ErrInvalidInstance, t)
}

func (m *Manager) create(ctx context.Context, want desiredSpec) (Mapping, error) {
	t := want.spec.ObjectType
	inst, err := m.allocate(t)
	if err != nil {
		return Mapping{}, err
	}

	now := m.now()
	mp := Mapping{
		Object:     bacnet.ObjectID{Type: t, Instance: inst},
		UniqueID:   naming.PublishedUniqueID(m.hubKey, t, inst),
		ObjectName: naming.ObjectName(want.spec.EntityID, want.spec.SourceAttr),
		Spec:       want.spec,
		Provenance: want.provenance,
		State:      StateActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.ensureObject(ctx, mp); err != nil {
		return Mapping{}, fmt.Errorf("creating %s for %s: %w", mp.Object, mp.Key(), err)
	}
	m.counters[t] = inst + 1
	m.table.put(mp)
	m.publish(ctx, mp)

	m.log().Info("mapping created",
		"entity_id", mp.Spec.EntityID,
		"source_attr", mp.Spec.SourceAttr,
		"object", mp.Object.String(),
	)
	return mp, nil
}

// ensureObject creates the object, treating an existing one as success.
func (m *Manager) ensureObject(ctx context.Context, mp Mapping) error {
	err := m.stack.CreateObject(ctx, mp.toObject())
	if errors.Is(err, bacnet.ErrObjectExists) {
		return m.stack.UpdateObject(ctx, mp.toObject())
	}
	return err
}

func (m *Manager) update(ctx context.Context, cur Mapping, want desiredSpec) (Mapping, bool, error) {
	changed := !cur.Spec.metadataEqual(want.spec) || !slices.Equal(cur.Provenance, want.provenance)
	if !changed {
		if _, ok := m.stack.Object(cur.Object); ok {
			return cur, false, nil
		}
		// Object vanished from the stack; recreate it.
		if err := m.ensureObject(ctx, cur); err != nil {
			return cur, false, fmt.Errorf("recreating %s: %w", cur.Object, err)
		}
		return cur, false, nil
	}

	next := cur
	next.Spec = want.spec
	next.Provenance = want.provenance
	next.UpdatedAt = m.now()

	err := m.stack.UpdateObject(ctx, next.toObject())
	if errors.Is(err, bacnet.ErrUnknownObject) {
		err = m.stack.CreateObject(ctx, next.toObject())
	}
	if err != nil {
		return cur, false, fmt.Errorf("updating %s: %w", cur.Object, err)
	}
	m.table.put(next)
	m.publish(ctx, next)

	m.log().Debug("mapping updated", "entity_id", next.Spec.EntityID, "object", next.Object.String())
	return next, true, nil
}

// retire deletes the object and drops the mapping. Deleting an object the
// stack no longer hosts is not an error.
func (m *Manager) retire(ctx context.Context, cur Mapping) error {
	err := m.stack.DeleteObject(ctx, cur.Object)
	if err != nil && !errors.Is(err, bacnet.ErrUnknownObject) {
		return fmt.Errorf("deleting %s: %w", cur.Object, err)
	}
	m.table.remove(cur.Object)
	m.log().Info("mapping retired", "entity_id", cur.Spec.EntityID, "source_attr", cur.Spec.SourceAttr, "object", cur.Object.String())
	return nil
}

func (m *Manager) publish(ctx context.Context, mp Mapping) {
	if m.sink == nil {
		return
	}
	if err := m.sink.PublishMapping(ctx, mp); err != nil {
		m.log().Warn("mirror entity publish failed", "object", mp.Object.String(), "error", err)
	}
}

// SweepOrphans removes mirror entities whose backing mapping no longer exists.
//
// Returns:
//   - int: Number of entities removed
func (m *Manager) SweepOrphans(ctx context.Context) int {
	if m.sink == nil {
		return 0
	}
	live := make(map[string]bool)
	for _, mp := range m.table.List() {
		live[mp.UniqueID] = true
	}
	removed := 0
	for _, uid := range m.sink.PublishedEntities() {
		if live[uid] {
			continue
		}
		if err := m.sink.RemoveMapping(ctx, uid); err != nil {
			m.log().Warn("orphan sweep failed", "unique_id", uid, "error", err)
			continue
		}
		removed++
	}
	return removed
}

