package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

// fakePlatform is an in-memory homeassistant.Platform.
type fakePlatform struct {
	mu       sync.Mutex
	entities []homeassistant.EntityEntry
	devices  []homeassistant.DeviceEntry
	areas    []homeassistant.AreaEntry
	labels   []homeassistant.LabelEntry
	states   map[string]homeassistant.EntityState
	services map[string]bool
	calls    []ServiceCall
	listErr  error

	stateFns    []func(homeassistant.StateChange)
	registryFns []func(homeassistant.RegistryEvent)
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		labels:   []homeassistant.LabelEntry{{ID: "bacnet", Name: "BACnet"}},
		states:   make(map[string]homeassistant.EntityState),
		services: make(map[string]bool),
	}
}

func (f *fakePlatform) addEntity(e homeassistant.EntityEntry, state string, attrs map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = append(f.entities, e)
	f.states[e.EntityID] = homeassistant.EntityState{EntityID: e.EntityID, State: state, Attributes: attrs}
}

func (f *fakePlatform) setDeviceLabels(deviceID string, labels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.devices {
		if f.devices[i].ID == deviceID {
			f.devices[i].Labels = labels
		}
	}
}

func (f *fakePlatform) setState(entityID, state string, attrs map[string]any) homeassistant.EntityState {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := homeassistant.EntityState{EntityID: entityID, State: state, Attributes: attrs}
	f.states[entityID] = s
	return s
}

func (f *fakePlatform) allowServices(pairs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pairs {
		f.services[p] = true
	}
}

func (f *fakePlatform) serviceCalls() []ServiceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakePlatform) ListEntities(context.Context) ([]homeassistant.EntityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.entities), f.listErr
}

func (f *fakePlatform) ListDevices(context.Context) ([]homeassistant.DeviceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.devices), nil
}

func (f *fakePlatform) ListAreas(context.Context) ([]homeassistant.AreaEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.areas), nil
}

func (f *fakePlatform) ListLabels(context.Context) ([]homeassistant.LabelEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.labels), nil
}

func (f *fakePlatform) States(context.Context) ([]homeassistant.EntityState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]homeassistant.EntityState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakePlatform) SubscribeStateChanges(_ context.Context, fn func(homeassistant.StateChange)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateFns = append(f.stateFns, fn)
	return func() {}, nil
}

func (f *fakePlatform) SubscribeRegistryChanges(_ context.Context, fn func(homeassistant.RegistryEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registryFns = append(f.registryFns, fn)
	return func() {}, nil
}

func (f *fakePlatform) emitState(sc homeassistant.StateChange) {
	f.mu.Lock()
	fns := slices.Clone(f.stateFns)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(sc)
	}
}

func (f *fakePlatform) emitRegistry(ev homeassistant.RegistryEvent) {
	f.mu.Lock()
	fns := slices.Clone(f.registryFns)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakePlatform) HasService(domain, service string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[domain+"."+service]
}

func (f *fakePlatform) CallService(_ context.Context, domain, service string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ServiceCall{Domain: domain, Service: service, Data: data})
	return nil
}

// fakeSink records mirror entity operations.
type fakeSink struct {
	mu       sync.Mutex
	entities map[string]Mapping
	values   map[string]bacnet.Value
	removed  []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{entities: make(map[string]Mapping), values: make(map[string]bacnet.Value)}
}

func (s *fakeSink) PublishedEntities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entities))
	for uid := range s.entities {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (s *fakeSink) PublishMapping(_ context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[m.UniqueID] = m
	return nil
}

func (s *fakeSink) RemoveMapping(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, uid)
	s.removed = append(s.removed, uid)
	return nil
}

func (s *fakeSink) PublishValue(_ context.Context, uid string, v bacnet.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[uid] = v
	return nil
}

// boundStack returns a MemoryStack bound to a test-unique loopback port.
func boundStack(t *testing.T, port int) (*bacnet.MemoryStack, bacnet.DeviceConfig) {
	t.Helper()
	addr, err := bacnet.ParseBindAddress(fmt.Sprintf("127.0.1.1/24:%d", port))
	if err != nil {
		t.Fatalf("ParseBindAddress() error: %v", err)
	}
	cfg := bacnet.DeviceConfig{Instance: 8123, Address: addr, ObjectName: "test-hub"}
	stack := bacnet.NewMemoryStack()
	if err := stack.Bind(context.Background(), cfg); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	t.Cleanup(func() { stack.Close() })
	return stack, cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func labelled(id string, labels ...string) homeassistant.EntityEntry {
	return homeassistant.EntityEntry{EntityID: id, Labels: labels}
}

func stateKey(entityID string) string {
	return naming.SourceKey(entityID, "")
}
