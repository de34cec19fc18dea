package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
)

type hubFixture struct {
	hub      *Hub
	stack    *bacnet.MemoryStack
	platform *fakePlatform
	sink     *fakeSink
	device   bacnet.DeviceConfig

	mu      sync.Mutex
	changes []Change
	cycles  []CycleReport
}

func newHubFixture(t *testing.T, port int) *hubFixture {
	t.Helper()
	addr, err := bacnet.ParseBindAddress(fmt.Sprintf("127.0.2.1/24:%d", port))
	if err != nil {
		t.Fatalf("ParseBindAddress() error: %v", err)
	}

	f := &hubFixture{
		stack:    bacnet.NewMemoryStack(),
		platform: newFakePlatform(),
		sink:     newFakeSink(),
		device:   bacnet.DeviceConfig{Instance: 8123, Address: addr, ObjectName: "test-hub"},
	}
	f.platform.devices = []homeassistant.DeviceEntry{{ID: "dev1", Labels: []string{"bacnet"}}}
	f.platform.addEntity(labelled("light.kitchen", "bacnet"), "off", nil)
	f.platform.addEntity(homeassistant.EntityEntry{EntityID: "sensor.temp", DeviceID: "dev1"}, "20.5",
		map[string]any{"unit_of_measurement": "°C"})
	f.platform.addEntity(homeassistant.EntityEntry{EntityID: "sensor.ignored"}, "1", nil)
	f.platform.allowServices("light.turn_on", "light.turn_off")

	h, err := New(Options{
		EntryID:  "entry-1",
		Device:   f.device,
		Labels:   []string{"bacnet"},
		Debounce: 20 * time.Millisecond,
		Stack:    f.stack,
		Platform: f.platform,
		Sink:     f.sink,
		OnChange: func(c Change) {
			f.mu.Lock()
			f.changes = append(f.changes, c)
			f.mu.Unlock()
		},
		OnCycle: func(r CycleReport) {
			f.mu.Lock()
			f.cycles = append(f.cycles, r)
			f.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.hub = h
	t.Cleanup(h.Stop)
	return f
}

func (f *hubFixture) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cycles)
}

func (f *hubFixture) mapping(t *testing.T, key string) Mapping {
	t.Helper()
	m, ok := f.hub.manager.Table().BySource(key)
	if !ok {
		t.Fatalf("no mapping for %s", key)
	}
	return m
}

func TestNewValidation(t *testing.T) {
	p := newFakePlatform()
	s := bacnet.NewMemoryStack()
	tests := []struct {
		name string
		opts Options
	}{
		{"missing entry", Options{Stack: s, Platform: p}},
		{"missing stack", Options{EntryID: "e", Platform: p}},
		{"missing platform", Options{EntryID: "e", Stack: s}},
		{"instance too large", Options{EntryID: "e", Stack: s, Platform: p, Device: bacnet.DeviceConfig{Instance: bacnet.MaxInstance + 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestHubStartupPublishesLabelledEntities(t *testing.T) {
	f := newHubFixture(t, 47920)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "startup cycle", func() bool { return f.cycleCount() >= 1 })

	if got := len(f.hub.Mappings()); got != 2 {
		t.Fatalf("Mappings() = %d, want 2", got)
	}
	temp := f.mapping(t, stateKey("sensor.temp"))
	obj, ok := f.stack.Object(temp.Object)
	if !ok {
		t.Fatal("sensor.temp object not hosted")
	}
	if !obj.PresentValue.Equal(bacnet.Real(20.5)) {
		t.Errorf("PresentValue = %v, want 20.5", obj.PresentValue)
	}
	if temp.Provenance[0].Scope != ScopeDevice {
		t.Errorf("Provenance = %+v, want device scope", temp.Provenance)
	}
	if err := f.hub.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	h := f.hub.Health()
	if h.Status != "" || h.Mappings != 2 || h.Reason != "" {
		t.Errorf("Health() = %+v, want 2 mappings and no reason", h)
	}
}

func TestHubMirrorsStateChanges(t *testing.T) {
	f := newHubFixture(t, 47921)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "startup cycle", func() bool { return f.cycleCount() >= 1 })
	light := f.mapping(t, stateKey("light.kitchen"))

	old := f.platform.states["light.kitchen"]
	next := f.platform.setState("light.kitchen", "on", nil)
	f.platform.emitState(homeassistant.StateChange{EntityID: "light.kitchen", Old: &old, New: &next})

	waitFor(t, "mirrored value", func() bool {
		obj, _ := f.stack.Object(light.Object)
		return obj.PresentValue.Equal(bacnet.Binary(true))
	})
	f.sink.mu.Lock()
	v := f.sink.values[light.UniqueID]
	f.sink.mu.Unlock()
	if !v.Equal(bacnet.Binary(true)) {
		t.Errorf("sink value = %v, want true", v)
	}
}

func TestHubWriteDispatchesService(t *testing.T) {
	f := newHubFixture(t, 47922)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "startup cycle", func() bool { return f.cycleCount() >= 1 })
	light := f.mapping(t, stateKey("light.kitchen"))
	temp := f.mapping(t, stateKey("sensor.temp"))

	ctx := context.Background()
	if err := f.stack.Write(ctx, bacnet.WriteRequest{Object: light.Object, Value: bacnet.Binary(true)}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	waitFor(t, "service call", func() bool { return len(f.platform.serviceCalls()) == 1 })
	call := f.platform.serviceCalls()[0]
	if call.Domain != "light" || call.Service != "turn_on" || call.Data["entity_id"] != "light.kitchen" {
		t.Errorf("service call = %+v, want light.turn_on for light.kitchen", call)
	}

	if err := f.stack.Write(ctx, bacnet.WriteRequest{Object: temp.Object, Value: bacnet.Real(1)}); !errors.Is(err, bacnet.ErrWriteAccessDenied) {
		t.Errorf("Write(read-only) error = %v, want ErrWriteAccessDenied", err)
	}
}

func TestHubRetiresWhenDeviceLabelRemoved(t *testing.T) {
	f := newHubFixture(t, 47923)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "startup cycle", func() bool { return f.cycleCount() >= 1 })
	temp := f.mapping(t, stateKey("sensor.temp"))

	f.platform.setDeviceLabels("dev1", nil)
	f.platform.emitRegistry(homeassistant.RegistryEvent{Kind: homeassistant.RegistryDevice, Action: "update", ID: "dev1"})

	waitFor(t, "retirement", func() bool { return len(f.hub.Mappings()) == 1 })
	if _, ok := f.stack.Object(temp.Object); ok {
		t.Error("retired object still hosted")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var retired bool
	for _, c := range f.changes {
		if c.Kind == ChangeRetired && c.Mapping.Object == temp.Object {
			retired = true
		}
	}
	if !retired {
		t.Error("OnChange never reported the retirement")
	}
}

func TestHubSetLabelsReconciles(t *testing.T) {
	f := newHubFixture(t, 47924)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "startup cycle", func() bool { return f.cycleCount() >= 1 })

	if err := f.hub.SetLabels(context.Background(), []string{"other"}); err != nil {
		t.Fatalf("SetLabels() error: %v", err)
	}
	waitFor(t, "label reconciliation", func() bool { return len(f.hub.Mappings()) == 0 })
	if got := f.hub.Labels(); len(got) != 1 || got[0] != "other" {
		t.Errorf("Labels() = %v, want [other]", got)
	}
}

func TestHubStopReleasesAddress(t *testing.T) {
	f := newHubFixture(t, 47925)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, "startup cycle", func() bool { return f.cycleCount() >= 1 })

	other := bacnet.NewMemoryStack()
	if err := other.Bind(context.Background(), f.device); !errors.Is(err, bacnet.ErrAddressInUse) {
		t.Fatalf("Bind() while running error = %v, want ErrAddressInUse", err)
	}

	f.hub.Stop()
	f.hub.Stop()
	if f.hub.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := other.Bind(context.Background(), f.device); err != nil {
		t.Fatalf("Bind() after Stop error: %v", err)
	}
	other.Close()

	if h := f.hub.Health(); h.Status != HealthOffline {
		t.Errorf("Health().Status = %q, want offline", h.Status)
	}
}

func TestHubStartFailsWhenAddressHeld(t *testing.T) {
	f := newHubFixture(t, 47926)
	holder := bacnet.NewMemoryStack()
	if err := holder.Bind(context.Background(), f.device); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	defer holder.Close()

	f.hub.opts.BindPolicy = &bacnet.BindPolicy{Attempts: 2, InitialDelay: time.Millisecond}
	err := f.hub.Start(context.Background())
	if !errors.Is(err, bacnet.ErrAddressInUse) {
		t.Fatalf("Start() error = %v, want ErrAddressInUse", err)
	}
	if f.platform.stateFns != nil {
		t.Error("subscribed to events despite failed bind")
	}
}
