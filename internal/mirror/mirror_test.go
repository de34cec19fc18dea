package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/hub"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/bacnet-hub/internal/remote"
)

type fakePublisher struct {
	mu       sync.Mutex
	retained map[string][]byte
	handlers map[string]mqtt.MessageHandler
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		retained: make(map[string][]byte),
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !retained {
		return errors.New("expected retained publish")
	}
	if len(payload) == 0 {
		delete(p.retained, topic)
		return nil
	}
	p.retained[topic] = payload
	return nil
}

func (p *fakePublisher) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = h
	return nil
}

func (p *fakePublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
	return nil
}

func (p *fakePublisher) get(topic string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.retained[topic]
	return string(v), ok
}

func (p *fakePublisher) config(t *testing.T, topic string) discoveryConfig {
	t.Helper()
	raw, ok := p.get(topic)
	if !ok {
		t.Fatalf("no retained config on %s", topic)
	}
	var cfg discoveryConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	return cfg
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (w *fakeWriter) WritePoint(_ context.Context, uniqueID, raw string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, uniqueID+"="+raw)
	return w.err
}

func newExposer(t *testing.T) (*Exposer, *fakePublisher) {
	t.Helper()
	pub := newFakePublisher()
	e, err := New(Options{EntryID: "entry-1", DeviceName: "Plant Room", Publisher: pub, QoS: 1})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e, pub
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{EntryID: "e"}); !errors.Is(err, ErrNoPublisher) {
		t.Errorf("New() error = %v, want ErrNoPublisher", err)
	}
	if _, err := New(Options{Publisher: newFakePublisher()}); err == nil {
		t.Error("New() without entry id succeeded")
	}
}

func TestMappingLifecycle(t *testing.T) {
	e, pub := newExposer(t)
	ctx := t.Context()
	m := hub.Mapping{
		Object:     bacnet.ObjectID{Type: bacnet.AnalogValue, Instance: 0},
		UniqueID:   "bacnet_hub:hub:inst_8123_10_0_0_1_24:analog-value:0",
		ObjectName: "sensor.temp",
		Spec:       hub.MappingSpec{EntityID: "sensor.temp", ObjectType: bacnet.AnalogValue, UnitText: "°C"},
	}

	if err := e.PublishMapping(ctx, m); err != nil {
		t.Fatalf("PublishMapping() error: %v", err)
	}
	topic := "homeassistant/sensor/bacnet_hub_hub_inst_8123_10_0_0_1_24_analog_value_0/config"
	cfg := pub.config(t, topic)
	if cfg.UniqueID != m.UniqueID || cfg.Unit != "°C" || cfg.EntityCategory != "diagnostic" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Device.Name != "Plant Room" || cfg.CommandTopic != "" {
		t.Errorf("device = %+v command = %q", cfg.Device, cfg.CommandTopic)
	}

	if err := e.PublishValue(ctx, m.UniqueID, bacnet.Real(21.5)); err != nil {
		t.Fatalf("PublishValue() error: %v", err)
	}
	if got, _ := pub.get(cfg.StateTopic); got != "21.5" {
		t.Errorf("state = %q, want 21.5", got)
	}

	if got := e.PublishedEntities(); len(got) != 1 || got[0] != m.UniqueID {
		t.Errorf("PublishedEntities() = %v", got)
	}

	if err := e.RemoveMapping(ctx, m.UniqueID); err != nil {
		t.Fatalf("RemoveMapping() error: %v", err)
	}
	if _, ok := pub.get(topic); ok {
		t.Error("discovery config still retained after removal")
	}
	if _, ok := pub.get(cfg.StateTopic); ok {
		t.Error("state still retained after removal")
	}
	if err := e.RemoveMapping(ctx, m.UniqueID); err != nil {
		t.Errorf("second RemoveMapping() error: %v", err)
	}
	if err := e.PublishValue(ctx, m.UniqueID, bacnet.Real(1)); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("PublishValue() after removal error = %v, want ErrUnknownEntity", err)
	}
}

func TestBinaryMappingState(t *testing.T) {
	e, pub := newExposer(t)
	m := hub.Mapping{
		UniqueID:   "uid-bv",
		ObjectName: "light.kitchen",
		Spec:       hub.MappingSpec{EntityID: "light.kitchen", ObjectType: bacnet.BinaryValue},
	}
	if err := e.PublishMapping(t.Context(), m); err != nil {
		t.Fatalf("PublishMapping() error: %v", err)
	}
	cfg := pub.config(t, "homeassistant/binary_sensor/uid_bv/config")
	if cfg.PayloadOn != "active" || cfg.PayloadOff != "inactive" {
		t.Errorf("payloads = %q/%q", cfg.PayloadOn, cfg.PayloadOff)
	}
	if err := e.PublishValue(t.Context(), "uid-bv", bacnet.Binary(true)); err != nil {
		t.Fatalf("PublishValue() error: %v", err)
	}
	if got, _ := pub.get(cfg.StateTopic); got != "active" {
		t.Errorf("state = %q, want active", got)
	}
}

func point(enabled bool) remote.PointView {
	return remote.PointView{
		ClientID: "client_100",
		Object:   bacnet.ObjectID{Type: bacnet.BinaryValue, Instance: 1},
		Name:     "Occupied",
		Writable: true,
		Platform: remote.PlatformSwitch,
		UniqueID: "entry-1-client_100-point-bv-1",
		EntityID: "switch.bacnet_doi_100_bv_1",
		Enabled:  enabled,
		Value:    bacnet.Binary(true),
	}
}

func TestImportedPointOnlySurfacedWhenEnabled(t *testing.T) {
	e, pub := newExposer(t)
	ctx := t.Context()
	topic := "homeassistant/switch/bacnet_doi_100_bv_1/config"

	if err := e.PublishPoint(ctx, point(false)); err != nil {
		t.Fatalf("PublishPoint(disabled) error: %v", err)
	}
	if _, ok := pub.get(topic); ok {
		t.Fatal("disabled point surfaced")
	}

	if err := e.PublishPoint(ctx, point(true)); err != nil {
		t.Fatalf("PublishPoint(enabled) error: %v", err)
	}
	cfg := pub.config(t, topic)
	if cfg.CommandTopic != "bacnethub/entry-1/entry-1-client_100-point-bv-1/set" {
		t.Errorf("CommandTopic = %q", cfg.CommandTopic)
	}
	if cfg.AvailabilityTopic != "bacnethub/entry-1/entry-1-client_100-point-bv-1/availability" {
		t.Errorf("AvailabilityTopic = %q", cfg.AvailabilityTopic)
	}
	if cfg.Device.ViaDevice != "bacnet_hub:entry-1" || cfg.StateOn != "active" {
		t.Errorf("config = %+v", cfg)
	}

	if err := e.PublishPointValue(ctx, point(true)); err != nil {
		t.Fatalf("PublishPointValue() error: %v", err)
	}
	if got, _ := pub.get(cfg.StateTopic); got != "active" {
		t.Errorf("state = %q, want active", got)
	}
	if err := e.PublishAvailability(ctx, point(true).UniqueID, false); err != nil {
		t.Fatalf("PublishAvailability() error: %v", err)
	}
	if got, _ := pub.get(cfg.AvailabilityTopic); got != "offline" {
		t.Errorf("availability = %q, want offline", got)
	}

	if err := e.PublishPoint(ctx, point(false)); err != nil {
		t.Fatalf("PublishPoint(disable) error: %v", err)
	}
	if _, ok := pub.get(topic); ok {
		t.Error("point still surfaced after disable")
	}
}

func TestSelectOptions(t *testing.T) {
	if got := selectOptions(bacnet.Unsigned(3)); len(got) != maxSelectStates || got[0] != "1" {
		t.Errorf("selectOptions(3) = %v", got)
	}
	if got := selectOptions(bacnet.Unsigned(20)); len(got) != 20 {
		t.Errorf("len(selectOptions(20)) = %d, want 20", len(got))
	}
}

func TestCommandsForwardToWriter(t *testing.T) {
	e, pub := newExposer(t)
	w := &fakeWriter{}
	if err := e.Attach(w); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	pub.mu.Lock()
	h := pub.handlers["bacnethub/entry-1/+/set"]
	pub.mu.Unlock()
	if h == nil {
		t.Fatal("command topic not subscribed")
	}

	if err := h("bacnethub/entry-1/entry-1-client_100-point-bv-1/set", []byte("ON")); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if err := h("bacnethub/other/x/set", []byte("ON")); err == nil {
		t.Error("handler accepted foreign topic")
	}

	w.err = remote.ErrPointDisabled
	if err := h("bacnethub/entry-1/uid/set", []byte("1")); !errors.Is(err, remote.ErrPointDisabled) {
		t.Errorf("handler error = %v, want ErrPointDisabled", err)
	}

	w.mu.Lock()
	calls := w.calls
	w.mu.Unlock()
	if len(calls) != 2 || calls[0] != "entry-1-client_100-point-bv-1=ON" {
		t.Errorf("calls = %v", calls)
	}

	if err := e.Detach(); err != nil {
		t.Fatalf("Detach() error: %v", err)
	}
	if len(pub.handlers) != 0 {
		t.Error("command subscription left after Detach")
	}
}

func TestRemoveAll(t *testing.T) {
	e, pub := newExposer(t)
	ctx := t.Context()
	_ = e.PublishMapping(ctx, hub.Mapping{UniqueID: "a", Spec: hub.MappingSpec{ObjectType: bacnet.AnalogValue}})
	_ = e.PublishPoint(ctx, point(true))

	e.RemoveAll(ctx)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for topic := range pub.retained {
		if strings.HasPrefix(topic, "homeassistant/") {
			t.Errorf("discovery config %s left after RemoveAll", topic)
		}
	}
}
