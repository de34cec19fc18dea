package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
	"github.com/nerrad567/bacnet-hub/internal/hub"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/bacnet-hub/internal/remote"
	"github.com/nerrad567/bacnet-hub/internal/store"
)

// fakeEntries is an in-memory EntrySource.
type fakeEntries struct {
	mu      sync.Mutex
	entries []store.Entry
}

func (f *fakeEntries) List(context.Context) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.entries), nil
}

func (f *fakeEntries) Get(_ context.Context, id string) (*store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, store.ErrEntryNotFound
}

func (f *fakeEntries) UpdateLabels(_ context.Context, id string, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries[i].Labels = labels
			return nil
		}
	}
	return store.ErrEntryNotFound
}

// fakePlatform serves one labelled light and accepts every service.
type fakePlatform struct{}

func (fakePlatform) ListEntities(context.Context) ([]homeassistant.EntityEntry, error) {
	return []homeassistant.EntityEntry{{EntityID: "light.kitchen", Labels: []string{"bacnet"}}}, nil
}

func (fakePlatform) ListDevices(context.Context) ([]homeassistant.DeviceEntry, error) { return nil, nil }
func (fakePlatform) ListAreas(context.Context) ([]homeassistant.AreaEntry, error)     { return nil, nil }

func (fakePlatform) ListLabels(context.Context) ([]homeassistant.LabelEntry, error) {
	return []homeassistant.LabelEntry{{ID: "bacnet", Name: "BACnet"}, {ID: "hvac", Name: "HVAC"}}, nil
}

func (fakePlatform) States(context.Context) ([]homeassistant.EntityState, error) {
	return []homeassistant.EntityState{{EntityID: "light.kitchen", State: "on"}}, nil
}

func (fakePlatform) SubscribeStateChanges(context.Context, func(homeassistant.StateChange)) (func(), error) {
	return func() {}, nil
}

func (fakePlatform) SubscribeRegistryChanges(context.Context, func(homeassistant.RegistryEvent)) (func(), error) {
	return func() {}, nil
}

func (fakePlatform) HasService(string, string) bool { return true }

func (fakePlatform) CallService(context.Context, string, string, map[string]any) error { return nil }

// fakePublisher records retained topics.
type fakePublisher struct {
	mu       sync.Mutex
	retained map[string][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{retained: make(map[string][]byte)}
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(payload) == 0 {
		delete(p.retained, topic)
		return nil
	}
	p.retained[topic] = payload
	return nil
}

func (p *fakePublisher) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }
func (p *fakePublisher) Unsubscribe(string) error                          { return nil }
func (p *fakePublisher) IsConnected() bool                                 { return true }

func (p *fakePublisher) has(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.retained[topic]
	return ok
}

func entry(id string, port int) store.Entry {
	return store.Entry{
		ID:         id,
		Title:      "Hub " + id,
		Instance:   8123,
		Address:    fmt.Sprintf("127.0.3.1/24:%d", port),
		ObjectName: "test-hub",
		Labels:     []string{"bacnet"},
	}
}

func newSupervisor(t *testing.T, entries []store.Entry, tweak func(*Options)) (*Supervisor, *fakeEntries) {
	t.Helper()
	src := &fakeEntries{entries: entries}
	opts := Options{
		Entries:  src,
		Platform: fakePlatform{},
		NewStack: func(store.Entry) (bacnet.Stack, error) { return bacnet.NewMemoryStack(), nil },
		Debounce: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, src
}

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

func TestNewValidation(t *testing.T) {
	factory := func(store.Entry) (bacnet.Stack, error) { return bacnet.NewMemoryStack(), nil }
	tests := []struct {
		name string
		opts Options
	}{
		{"missing entries", Options{Platform: fakePlatform{}, NewStack: factory}},
		{"missing platform", Options{Entries: &fakeEntries{}, NewStack: factory}},
		{"missing factory", Options{Entries: &fakeEntries{}, Platform: fakePlatform{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestStartRunsEveryEntry(t *testing.T) {
	s, _ := newSupervisor(t, []store.Entry{entry("a", 48101), entry("b", 48102)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	rts := s.Runtimes()
	if len(rts) != 2 || rts[0].Entry.ID != "a" || rts[1].Entry.ID != "b" {
		t.Fatalf("Runtimes() = %d entries", len(rts))
	}
	waitFor(t, "startup mapping", func() bool { return len(rts[0].Hub.Mappings()) == 1 })

	snap, err := s.Health("a")
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if snap.Status != hub.HealthOnline || snap.Mappings != 1 {
		t.Errorf("Health() = %+v, want online with 1 mapping", snap)
	}
	if _, err := s.Health("missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Health(missing) error = %v, want ErrEntryNotFound", err)
	}
}

func TestSetupFailureIsIsolated(t *testing.T) {
	bad := entry("bad", 0)
	bad.Address = "not-an-address"
	s, _ := newSupervisor(t, []store.Entry{bad, entry("good", 48111)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if _, ok := s.Runtime("good"); !ok {
		t.Error("good entry not running")
	}
	snap, err := s.Health("bad")
	if err != nil {
		t.Fatalf("Health(bad) error: %v", err)
	}
	if snap.Status != hub.HealthOffline || snap.Reason == "" {
		t.Errorf("Health(bad) = %+v, want offline with reason", snap)
	}
}

func TestReloadSoleEntry(t *testing.T) {
	s, _ := newSupervisor(t, []store.Entry{entry("only", 48121)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	before, _ := s.Runtime("only")

	id, err := s.Reload(context.Background(), "")
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if id != "only" {
		t.Errorf("Reload() id = %q, want only", id)
	}
	after, ok := s.Runtime("only")
	if !ok || after == before {
		t.Error("Reload() did not replace the runtime")
	}
	if !after.Hub.Running() {
		t.Error("reloaded hub not running")
	}
	if before.Hub.Running() {
		t.Error("old hub still running after reload")
	}
}

func TestReloadResolution(t *testing.T) {
	s, _ := newSupervisor(t, []store.Entry{entry("a", 48131), entry("b", 48132)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if _, err := s.Reload(context.Background(), ""); !errors.Is(err, ErrEntryIDRequired) {
		t.Errorf("Reload(\"\") error = %v, want ErrEntryIDRequired", err)
	}
	if _, err := s.Reload(context.Background(), "nope"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Reload(nope) error = %v, want ErrEntryNotFound", err)
	}
	if id, err := s.Reload(context.Background(), "b"); err != nil || id != "b" {
		t.Errorf("Reload(b) = %q, %v, want b, nil", id, err)
	}
}

func TestReloadWithoutEntries(t *testing.T) {
	s, _ := newSupervisor(t, nil, nil)
	if _, err := s.Reload(context.Background(), ""); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Reload() error = %v, want ErrEntryNotFound", err)
	}
}

func TestUpdateLabelsPersistsAndApplies(t *testing.T) {
	s, src := newSupervisor(t, []store.Entry{entry("a", 48141)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rt, _ := s.Runtime("a")
	waitFor(t, "startup mapping", func() bool { return len(rt.Hub.Mappings()) == 1 })

	if err := s.UpdateLabels(context.Background(), "a", []string{"hvac", " hvac "}); err != nil {
		t.Fatalf("UpdateLabels() error: %v", err)
	}
	stored, _ := src.Get(context.Background(), "a")
	if len(stored.Labels) != 2 {
		t.Errorf("stored labels = %v, want raw labels passed through", stored.Labels)
	}
	if got := rt.Hub.Labels(); len(got) != 1 || got[0] != "hvac" {
		t.Errorf("hub labels = %v, want [hvac]", got)
	}
	waitFor(t, "mapping retired", func() bool { return len(rt.Hub.Mappings()) == 0 })

	if err := s.UpdateLabels(context.Background(), "missing", nil); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("UpdateLabels(missing) error = %v, want ErrEntryNotFound", err)
	}
}

func TestSetImportedEnabledErrors(t *testing.T) {
	s, _ := newSupervisor(t, []store.Entry{entry("a", 48151)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.SetImportedEnabled(context.Background(), "a", "uid", true); !errors.Is(err, ErrRemoteDisabled) {
		t.Errorf("SetImportedEnabled() error = %v, want ErrRemoteDisabled", err)
	}
	if err := s.SetImportedEnabled(context.Background(), "zz", "uid", true); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SetImportedEnabled(zz) error = %v, want ErrNotRunning", err)
	}
}

func TestRemoteRuntimeAndMirror(t *testing.T) {
	pub := newFakePublisher()
	var (
		mu   sync.Mutex
		subs []remote.PointView
	)
	s, _ := newSupervisor(t, []store.Entry{entry("r", 48161)}, func(o *Options) {
		o.Publisher = pub
		o.HealthInterval = time.Hour
		o.Remote = RemoteSettings{Enabled: true, DiscoveryTimeout: 50 * time.Millisecond}
		o.NewStack = func(store.Entry) (bacnet.Stack, error) {
			stack := bacnet.NewMemoryStack()
			dev := stack.AddRemoteDevice(200, netip.MustParseAddrPort("10.0.0.200:47808"), false)
			dev.AddObject(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}, "Supply Temp", bacnet.Real(18), false)
			return stack, nil
		}
		o.OnSubscription = func(_ string, p remote.PointView) {
			mu.Lock()
			subs = append(subs, p)
			mu.Unlock()
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rt, _ := s.Runtime("r")
	waitFor(t, "remote subscription", func() bool {
		_, subscribed, _ := rt.Remote.Counts()
		return subscribed == 1
	})

	snap, err := s.Health("r")
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if snap.RemoteClients != 1 || snap.SubscribedPoints != 1 {
		t.Errorf("Health() = %+v, want 1 client and 1 subscribed point", snap)
	}
	waitFor(t, "health published", func() bool { return pub.has(hub.HealthTopic("r")) })

	mu.Lock()
	n := len(subs)
	mu.Unlock()
	if n == 0 {
		t.Error("OnSubscription never called")
	}

	waitFor(t, "light mapping", func() bool { return len(rt.Hub.Mappings()) == 1 })
	m := rt.Hub.Mappings()[0]
	if got := rt.Exposer.PublishedEntities(); !slices.Contains(got, m.UniqueID) {
		t.Errorf("PublishedEntities() = %v, want %s", got, m.UniqueID)
	}

	s.Remove(context.Background(), "r")
	if _, ok := s.Runtime("r"); ok {
		t.Error("runtime survived Remove")
	}
	if got := rt.Exposer.PublishedEntities(); len(got) != 0 {
		t.Errorf("PublishedEntities() after Remove = %v", got)
	}
}

func TestMappingsAndRemoteClientsErrors(t *testing.T) {
	bad := entry("bad", 0)
	bad.Address = "not-an-address"
	s, _ := newSupervisor(t, []store.Entry{bad, entry("a", 48161)}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if _, err := s.Mappings("a"); err != nil {
		t.Errorf("Mappings(a) error = %v, want nil", err)
	}
	if _, err := s.Mappings("bad"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Mappings(bad) error = %v, want ErrNotRunning", err)
	}
	if _, err := s.Mappings("zz"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Mappings(zz) error = %v, want ErrEntryNotFound", err)
	}
	if _, err := s.RemoteClients("a"); !errors.Is(err, ErrRemoteDisabled) {
		t.Errorf("RemoteClients(a) error = %v, want ErrRemoteDisabled", err)
	}
}
