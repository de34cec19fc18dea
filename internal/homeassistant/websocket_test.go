package homeassistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer speaks enough of the platform WebSocket API for client tests.
type fakeServer struct {
	t     *testing.T
	token string

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]int // event_type -> subscription id
	calls    []map[string]any
	states   []map[string]any
	entities []map[string]any
	services map[string]map[string]any
	failCall bool
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	f := &fakeServer{
		t:     t,
		token: "good-token",
		subs:  make(map[string]int),
		states: []map[string]any{
			{"entity_id": "sensor.temp", "state": "21.5", "attributes": map[string]any{"unit_of_measurement": "°C"}},
		},
		entities: []map[string]any{
			{"entity_id": "sensor.temp", "device_id": "dev1", "area_id": nil, "labels": []string{"bacnet"}, "disabled_by": nil},
		},
		services: map[string]map[string]any{
			"light": {"turn_on": map[string]any{}, "turn_off": map[string]any{}},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	if err := f.write(map[string]any{"type": "auth_required"}); err != nil {
		return
	}
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != f.token {
		f.write(map[string]any{"type": "auth_invalid", "message": "bad token"}) //nolint:errcheck // test server
		return
	}
	if err := f.write(map[string]any{"type": "auth_ok"}); err != nil {
		return
	}

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		id := msg["id"]
		switch msg["type"] {
		case "get_states":
			f.result(id, f.states)
		case "config/entity_registry/list":
			f.result(id, f.entities)
		case "config/device_registry/list", "config/area_registry/list", "config/label_registry/list":
			f.result(id, []any{})
		case "get_services":
			f.result(id, f.services)
		case "subscribe_events":
			f.mu.Lock()
			f.subs[msg["event_type"].(string)] = int(id.(float64))
			f.mu.Unlock()
			f.result(id, nil)
		case "unsubscribe_events":
			f.result(id, nil)
		case "call_service":
			f.mu.Lock()
			f.calls = append(f.calls, msg)
			fail := f.failCall
			f.mu.Unlock()
			if fail {
				f.write(map[string]any{"id": id, "type": "result", "success": false, //nolint:errcheck // test server
					"error": map[string]any{"code": "not_found", "message": "entity missing"}})
				continue
			}
			f.result(id, map[string]any{})
		}
	}
}

func (f *fakeServer) write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteJSON(v)
}

func (f *fakeServer) result(id, result any) {
	f.write(map[string]any{"id": id, "type": "result", "success": true, "result": result}) //nolint:errcheck // test server
}

func (f *fakeServer) emit(eventType string, data map[string]any) {
	f.mu.Lock()
	id, ok := f.subs[eventType]
	f.mu.Unlock()
	if !ok {
		f.t.Fatalf("no subscription for %s", eventType)
	}
	f.write(map[string]any{"id": id, "type": "event", //nolint:errcheck // test server
		"event": map[string]any{"event_type": eventType, "data": data}})
}

func (f *fakeServer) subscribed(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[eventType]
	return ok
}

func dialFake(t *testing.T, url, token string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: url, Token: token})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialRejectsBadToken(t *testing.T) {
	_, url := newFakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{URL: url, Token: "wrong"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Dial() error = %v, want ErrAuthFailed", err)
	}
}

func TestClientRegistryAndStates(t *testing.T) {
	_, url := newFakeServer(t)
	c := dialFake(t, url, "good-token")
	ctx := context.Background()

	states, err := c.States(ctx)
	if err != nil {
		t.Fatalf("States() error: %v", err)
	}
	if len(states) != 1 || states[0].EntityID != "sensor.temp" || states[0].UnitOfMeasurement() != "°C" {
		t.Errorf("States() = %+v", states)
	}

	entities, err := c.ListEntities(ctx)
	if err != nil {
		t.Fatalf("ListEntities() error: %v", err)
	}
	if len(entities) != 1 || entities[0].DeviceID != "dev1" || entities[0].AreaID != "" {
		t.Errorf("ListEntities() = %+v", entities)
	}
	if len(entities[0].Labels) != 1 || entities[0].Labels[0] != "bacnet" {
		t.Errorf("Labels = %v, want [bacnet]", entities[0].Labels)
	}

	if _, err := c.ListDevices(ctx); err != nil {
		t.Errorf("ListDevices() error: %v", err)
	}
	if _, err := c.ListAreas(ctx); err != nil {
		t.Errorf("ListAreas() error: %v", err)
	}
	if _, err := c.ListLabels(ctx); err != nil {
		t.Errorf("ListLabels() error: %v", err)
	}
}

func TestClientServices(t *testing.T) {
	f, url := newFakeServer(t)
	c := dialFake(t, url, "good-token")

	if !c.HasService("light", "turn_on") {
		t.Error("HasService(light.turn_on) = false, want true")
	}
	if c.HasService("cover", "open_cover") {
		t.Error("HasService(cover.open_cover) = true, want false")
	}

	f.emit("service_registered", map[string]any{"domain": "cover", "service": "open_cover"})
	deadline := time.Now().Add(2 * time.Second)
	for !c.HasService("cover", "open_cover") {
		if time.Now().After(deadline) {
			t.Fatal("service_registered not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := c.CallService(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.lamp"})
	if err != nil {
		t.Fatalf("CallService() error: %v", err)
	}
	f.mu.Lock()
	calls := len(f.calls)
	got := f.calls[0]
	f.failCall = true
	f.mu.Unlock()
	if calls != 1 || got["domain"] != "light" || got["service"] != "turn_on" {
		t.Errorf("call_service payload = %v", got)
	}
	data, _ := got["service_data"].(map[string]any)
	if data["entity_id"] != "light.lamp" {
		t.Errorf("service_data = %v", data)
	}

	err = c.CallService(context.Background(), "light", "turn_off", map[string]any{"entity_id": "light.lamp"})
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("CallService() error = %v, want ErrCommandFailed", err)
	}
}

func TestClientStateChangeEvents(t *testing.T) {
	f, url := newFakeServer(t)
	c := dialFake(t, url, "good-token")

	got := make(chan StateChange, 1)
	unsub, err := c.SubscribeStateChanges(context.Background(), func(sc StateChange) { got <- sc })
	if err != nil {
		t.Fatalf("SubscribeStateChanges() error: %v", err)
	}
	defer unsub()

	f.emit("state_changed", map[string]any{
		"entity_id": "sensor.temp",
		"old_state": nil,
		"new_state": map[string]any{"entity_id": "sensor.temp", "state": "22"},
	})

	select {
	case sc := <-got:
		if sc.EntityID != "sensor.temp" || sc.Old != nil || sc.New == nil || sc.New.State != "22" {
			t.Errorf("StateChange = %+v", sc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state_changed not delivered")
	}
}

func TestClientRegistryEvents(t *testing.T) {
	f, url := newFakeServer(t)
	c := dialFake(t, url, "good-token")

	got := make(chan RegistryEvent, 4)
	unsub, err := c.SubscribeRegistryChanges(context.Background(), func(ev RegistryEvent) { got <- ev })
	if err != nil {
		t.Fatalf("SubscribeRegistryChanges() error: %v", err)
	}
	defer unsub()

	for _, et := range []string{"entity_registry_updated", "device_registry_updated", "area_registry_updated", "label_registry_updated"} {
		if !f.subscribed(et) {
			t.Fatalf("not subscribed to %s", et)
		}
	}

	f.emit("area_registry_updated", map[string]any{"action": "update", "area_id": "kitchen"})
	select {
	case ev := <-got:
		if ev.Kind != RegistryArea || ev.Action != "update" || ev.ID != "kitchen" {
			t.Errorf("RegistryEvent = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registry event not delivered")
	}
}

func TestClientCloseFailsCommands(t *testing.T) {
	_, url := newFakeServer(t)
	c := dialFake(t, url, "good-token")

	c.Close()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed")
	}
	if _, err := c.States(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("States() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestEntityStateHelpers(t *testing.T) {
	tests := []struct {
		state       string
		wantKnown   bool
		wantNumeric bool
	}{
		{"21.5", true, true},
		{"on", true, false},
		{"unknown", false, false},
		{"Unavailable", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		s := EntityState{EntityID: "sensor.x", State: tt.state}
		if got := s.Known(); got != tt.wantKnown {
			t.Errorf("Known(%q) = %v, want %v", tt.state, got, tt.wantKnown)
		}
		if got := s.IsNumeric(); got != tt.wantNumeric {
			t.Errorf("IsNumeric(%q) = %v, want %v", tt.state, got, tt.wantNumeric)
		}
	}

	if got := Domain("Climate.lounge"); got != "climate" {
		t.Errorf("Domain() = %q, want climate", got)
	}
	if got := (EntityState{EntityID: "light.lamp"}).FriendlyName(); got != "light.lamp" {
		t.Errorf("FriendlyName() fallback = %q", got)
	}
}
