package remote

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRegistry struct {
	mu      sync.Mutex
	rows    map[string]ImportedEntity
	failing bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{rows: make(map[string]ImportedEntity)}
}

func (r *fakeRegistry) EnsureImported(_ context.Context, _ string, e ImportedEntity) (ImportedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return ImportedEntity{}, errors.New("disk full")
	}
	if row, ok := r.rows[e.UniqueID]; ok {
		return row, nil
	}
	r.rows[e.UniqueID] = e
	return e, nil
}

func (r *fakeRegistry) SetImportedEnabled(_ context.Context, _ string, uniqueID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[uniqueID]
	if !ok {
		return errors.New("no such row")
	}
	row.Enabled = enabled
	r.rows[uniqueID] = row
	return nil
}

func (r *fakeRegistry) enabled(uniqueID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[uniqueID].Enabled
}

type fakeSink struct {
	mu           sync.Mutex
	points       map[string]PointView
	values       map[string]bacnet.Value
	availability map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		points:       make(map[string]PointView),
		values:       make(map[string]bacnet.Value),
		availability: make(map[string]bool),
	}
}

func (s *fakeSink) PublishPoint(_ context.Context, p PointView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[p.UniqueID] = p
	return nil
}

func (s *fakeSink) PublishPointValue(_ context.Context, p PointView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[p.UniqueID] = p.Value
	return nil
}

func (s *fakeSink) PublishAvailability(_ context.Context, uniqueID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[uniqueID] = available
	return nil
}

func (s *fakeSink) value(uid string) bacnet.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[uid]
}

func (s *fakeSink) available(uid string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.availability[uid]
	return v, ok
}

type historyPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
}

type fakeHistory struct {
	mu     sync.Mutex
	points []historyPoint
}

func (h *fakeHistory) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, historyPoint{measurement, tags, fields})
}

type fixture struct {
	stack    *bacnet.MemoryStack
	clock    *fakeClock
	registry *fakeRegistry
	sink     *fakeSink
	history  *fakeHistory
	manager  *Manager

	mu        sync.Mutex
	liveness  int
	snapshots []PointView
}

const testEntry = "entry-1"

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		stack:    bacnet.NewMemoryStack(),
		clock:    newFakeClock(),
		registry: newFakeRegistry(),
		sink:     newFakeSink(),
		history:  &fakeHistory{},
	}
	opts := Options{
		EntryID:            testEntry,
		LocalInstance:      8123,
		Client:             f.stack,
		Registry:           f.registry,
		Sink:               f.sink,
		History:            f.history,
		Now:                f.clock.Now,
		ResubscribeInitial: 10 * time.Second,
		ResubscribeMax:     300 * time.Second,
		Lease:              300 * time.Second,
		ProbeInterval:      time.Minute,
		OnLiveness: func() {
			f.mu.Lock()
			f.liveness++
			f.mu.Unlock()
		},
		OnSubscription: func(v PointView) {
			f.mu.Lock()
			f.snapshots = append(f.snapshots, v)
			f.mu.Unlock()
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	f.manager = m
	t.Cleanup(m.Stop)
	return f
}

func (f *fixture) livenessCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveness
}

// point returns the internal state of a point for assertions.
func (f *fixture) point(t *testing.T, uid string) PointView {
	t.Helper()
	v, ok := f.manager.Point(uid)
	if !ok {
		t.Fatalf("point %s not imported", uid)
	}
	return v
}

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func oid(t bacnet.ObjectType, inst uint32) bacnet.ObjectID {
	return bacnet.ObjectID{Type: t, Instance: inst}
}

func uid(client uint32, t bacnet.ObjectType, inst uint32) string {
	return naming.ImportedUniqueID(testEntry, client, t, inst)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
