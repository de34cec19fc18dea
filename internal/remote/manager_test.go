package remote

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// plant adds a device with one of every supported point type.
func plant(f *fixture, instance uint32, global bool) *bacnet.RemoteDevice {
	d := f.stack.AddRemoteDevice(instance, addr("10.0.0.5:47808"), global)
	d.AddObject(oid(bacnet.AnalogInput, 1), "Zone Temp", bacnet.Real(21.5), false)
	d.AddObject(oid(bacnet.AnalogOutput, 1), "Valve Fixed", bacnet.Real(0), false)
	d.AddObject(oid(bacnet.AnalogOutput, 2), "Valve Cmd", bacnet.Real(30), true)
	d.AddObject(oid(bacnet.BinaryOutput, 1), "Fan", bacnet.Binary(false), true)
	d.AddObject(oid(bacnet.BinaryValue, 1), "Occupied", bacnet.Binary(true), false)
	d.AddObject(oid(bacnet.MultiStateValue, 1), "Mode", bacnet.Unsigned(2), false)
	d.AddObject(oid(bacnet.CharacterStringValue, 1), "Note", bacnet.Text("hello"), false)
	return d
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Options{Client: bacnet.NewMemoryStack()}); err == nil {
		t.Error("NewManager() without entry id succeeded")
	}
	if _, err := NewManager(Options{EntryID: "e"}); err == nil {
		t.Error("NewManager() without client succeeded")
	}
}

func TestDedupeIAms(t *testing.T) {
	a := bacnet.IAm{Instance: 200, Address: addr("10.0.0.2:47808")}
	b := bacnet.IAm{Instance: 100, Address: addr("10.0.0.1:47808")}
	dup := bacnet.IAm{Instance: 100, Address: addr("10.0.0.9:47808")}
	self := bacnet.IAm{Instance: 8123, Address: addr("10.0.0.3:47808")}

	got := dedupeIAms([]bacnet.IAm{a, self, b, dup}, 8123)
	if len(got) != 2 {
		t.Fatalf("dedupeIAms() returned %d devices, want 2", len(got))
	}
	if got[0] != b || got[1] != a {
		t.Errorf("dedupeIAms() = %+v, want [%+v %+v]", got, b, a)
	}
}

func TestDiscoverImportsSupportedPoints(t *testing.T) {
	f := newFixture(t, nil)
	plant(f, 100, false)
	f.stack.AddRemoteDevice(8123, addr("10.0.0.3:47808"), false)

	f.manager.discover(t.Context())

	clients := f.manager.Clients()
	if len(clients) != 1 {
		t.Fatalf("Clients() = %d, want 1 (own instance excluded)", len(clients))
	}
	c := clients[0]
	if c.ID != "client_100" || c.Name != "device-100" || c.Stale {
		t.Errorf("client = %+v", c)
	}
	if len(c.Points) != 7 {
		t.Fatalf("points = %d, want 7", len(c.Points))
	}

	tests := []struct {
		id       bacnet.ObjectID
		writable bool
		platform Platform
	}{
		{oid(bacnet.AnalogInput, 1), false, PlatformSensor},
		{oid(bacnet.AnalogOutput, 1), false, PlatformSensor},
		{oid(bacnet.AnalogOutput, 2), true, PlatformNumber},
		{oid(bacnet.BinaryOutput, 1), true, PlatformSwitch},
		{oid(bacnet.BinaryValue, 1), true, PlatformSwitch},
		{oid(bacnet.MultiStateValue, 1), true, PlatformSelect},
		{oid(bacnet.CharacterStringValue, 1), true, PlatformText},
	}
	for _, tt := range tests {
		p := f.point(t, uid(100, tt.id.Type, tt.id.Instance))
		if p.Writable != tt.writable || p.Platform != tt.platform {
			t.Errorf("%s: writable=%v platform=%s, want %v %s", tt.id, p.Writable, p.Platform, tt.writable, tt.platform)
		}
		if p.Enabled {
			t.Errorf("%s: imported enabled, want disabled by default", tt.id)
		}
		if p.State != StateSubscribed || !p.Available {
			t.Errorf("%s: state=%s available=%v, want subscribed/available", tt.id, p.State, p.Available)
		}
	}

	temp := f.point(t, uid(100, bacnet.AnalogInput, 1))
	if temp.Name != "Zone Temp" || temp.EntityID != "sensor.bacnet_doi_100_ai_1" {
		t.Errorf("temp = %+v", temp)
	}
	if !temp.Value.Equal(bacnet.Real(21.5)) {
		t.Errorf("initial value = %v, want 21.5", temp.Value)
	}
	if got := f.stack.Subscriptions(); got != 7 {
		t.Errorf("Subscriptions() = %d, want 7", got)
	}

	f.manager.discover(t.Context())
	if got := f.stack.Subscriptions(); got != 7 {
		t.Errorf("Subscriptions() after rediscovery = %d, want 7", got)
	}
}

func TestDiscoverFallsBackToGlobal(t *testing.T) {
	f := newFixture(t, nil)
	d := f.stack.AddRemoteDevice(300, addr("10.9.0.5:47808"), true)
	d.AddObject(oid(bacnet.AnalogValue, 4), "Setpoint", bacnet.Real(20), false)

	f.manager.discover(t.Context())

	if clients, _, _ := f.manager.Counts(); clients != 1 {
		t.Fatalf("clients = %d, want 1 from global broadcast", clients)
	}
	if p := f.point(t, uid(300, bacnet.AnalogValue, 4)); p.Platform != PlatformNumber {
		t.Errorf("platform = %s, want number", p.Platform)
	}
}

func TestDiscoverHonoursScanLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PointScanLimit = 2 })
	d := f.stack.AddRemoteDevice(100, addr("10.0.0.5:47808"), false)
	for i := uint32(1); i <= 4; i++ {
		d.AddObject(oid(bacnet.AnalogValue, i), "", bacnet.Real(0), false)
	}

	f.manager.discover(t.Context())

	if got := len(f.manager.Clients()[0].Points); got != 2 {
		t.Errorf("points = %d, want 2", got)
	}
}

func TestDiscoverKeepsRegistryEnabledFlag(t *testing.T) {
	f := newFixture(t, nil)
	plant(f, 100, false)
	id := uid(100, bacnet.BinaryValue, 1)
	f.registry.rows[id] = ImportedEntity{UniqueID: id, EntityID: "switch.renamed", Enabled: true}

	f.manager.discover(t.Context())

	p := f.point(t, id)
	if !p.Enabled || p.EntityID != "switch.renamed" {
		t.Errorf("point = enabled %v entity %q, want stored row", p.Enabled, p.EntityID)
	}
}

func TestDiscoverSkipsPointsRegistryRejects(t *testing.T) {
	f := newFixture(t, nil)
	plant(f, 100, false)
	f.registry.failing = true

	f.manager.discover(t.Context())

	if got := len(f.manager.Clients()[0].Points); got != 0 {
		t.Errorf("points = %d, want 0", got)
	}
	if got := f.stack.Subscriptions(); got != 0 {
		t.Errorf("Subscriptions() = %d, want 0", got)
	}
}

func TestCOVUpdatesValueSinkAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	d := plant(f, 100, false)
	f.manager.opts.Client.SetCOVHandler(f.manager.handleCOV)
	f.manager.discover(t.Context())

	d.SetValue(oid(bacnet.AnalogInput, 1), bacnet.Real(23.25))

	id := uid(100, bacnet.AnalogInput, 1)
	if v := f.point(t, id).Value; !v.Equal(bacnet.Real(23.25)) {
		t.Errorf("Value = %v, want 23.25", v)
	}
	if v := f.sink.value(id); !v.Equal(bacnet.Real(23.25)) {
		t.Errorf("sink value = %v, want 23.25", v)
	}

	f.history.mu.Lock()
	defer f.history.mu.Unlock()
	if len(f.history.points) != 1 {
		t.Fatalf("history points = %d, want 1", len(f.history.points))
	}
	hp := f.history.points[0]
	if hp.measurement != historyMeasurement || hp.tags["source"] != "client_100" || hp.tags["object"] != "analogInput:1" {
		t.Errorf("history point = %+v", hp)
	}
	if hp.fields["value"] != 23.25 {
		t.Errorf("history value = %v, want 23.25", hp.fields["value"])
	}
}

func TestCOVIgnoresForeignProcessID(t *testing.T) {
	f := newFixture(t, nil)
	plant(f, 100, false)
	f.manager.discover(t.Context())

	f.manager.handleCOV(bacnet.COVNotification{
		DeviceInstance: 100,
		Object:         oid(bacnet.AnalogInput, 1),
		ProcessID:      1,
		Value:          bacnet.Real(99),
	})

	if v := f.point(t, uid(100, bacnet.AnalogInput, 1)).Value; v.Equal(bacnet.Real(99)) {
		t.Error("notification with foreign process id applied")
	}
}

func TestLostPointResubscribesWithBackoff(t *testing.T) {
	f := newFixture(t, nil)
	d := plant(f, 100, false)
	f.manager.discover(t.Context())
	f.manager.maintain(t.Context())

	id := uid(100, bacnet.BinaryValue, 1)
	if err := f.manager.SetEnabled(t.Context(), id, true); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}

	d.SetOnline(false)
	f.clock.Advance(time.Minute)
	f.manager.maintain(t.Context())

	p := f.point(t, id)
	if p.State != StateLost || p.Available {
		t.Fatalf("after failed probe state=%s available=%v, want lost/unavailable", p.State, p.Available)
	}
	if avail, ok := f.sink.available(id); !ok || avail {
		t.Errorf("sink availability = %v/%v, want published false", avail, ok)
	}
	if f.livenessCalls() != 1 {
		t.Errorf("liveness callbacks = %d, want 1", f.livenessCalls())
	}

	// Still offline: the retry fails and the delay doubles.
	f.clock.Advance(10 * time.Second)
	f.manager.maintain(t.Context())
	f.manager.mu.RLock()
	next := f.manager.byUID[id].nextAttempt
	f.manager.mu.RUnlock()
	if want := f.clock.Now().Add(20 * time.Second); !next.Equal(want) {
		t.Errorf("nextAttempt = %v, want %v", next, want)
	}

	// Device reboots and comes back; not due yet.
	d.SetOnline(true)
	d.Restart()
	f.clock.Advance(19 * time.Second)
	f.manager.maintain(t.Context())
	if s := f.point(t, id).State; s != StateLost {
		t.Errorf("state before backoff elapsed = %s, want lost", s)
	}

	f.clock.Advance(time.Second)
	f.manager.maintain(t.Context())
	p = f.point(t, id)
	if p.State != StateSubscribed || !p.Available {
		t.Errorf("after recovery state=%s available=%v, want subscribed/available", p.State, p.Available)
	}
	if !p.Enabled || !f.registry.enabled(id) {
		t.Error("enabled flag lost across resubscription")
	}
	if avail, _ := f.sink.available(id); !avail {
		t.Error("sink availability not restored")
	}
	if got := f.stack.Subscriptions(); got != 7 {
		t.Errorf("Subscriptions() = %d, want 7", got)
	}
}

func TestLeaseRenewalRecreatesForgottenSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	d := plant(f, 100, false)
	f.manager.discover(t.Context())

	d.Restart()
	if got := f.stack.Subscriptions(); got != 0 {
		t.Fatalf("Subscriptions() after restart = %d, want 0", got)
	}

	f.clock.Advance(299 * time.Second)
	f.manager.maintain(t.Context())
	if got := f.stack.Subscriptions(); got != 0 {
		t.Errorf("renewed before lease expiry: Subscriptions() = %d", got)
	}

	f.clock.Advance(time.Second)
	f.manager.maintain(t.Context())
	if got := f.stack.Subscriptions(); got != 7 {
		t.Errorf("Subscriptions() after renewal = %d, want 7", got)
	}
}

func TestStaleClientKeepsEntities(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RediscoveryInterval = time.Minute })
	d := plant(f, 100, false)
	f.manager.discover(t.Context())

	d.SetOnline(false)
	f.clock.Advance(2*time.Minute + time.Second)
	f.manager.discover(t.Context())

	c := f.manager.Clients()[0]
	if !c.Stale {
		t.Fatal("client not marked stale")
	}
	for _, p := range c.Points {
		if p.State != StateLost || p.Available {
			t.Errorf("%s: state=%s available=%v, want lost/unavailable", p.UniqueID, p.State, p.Available)
		}
	}
	if f.livenessCalls() != 1 {
		t.Errorf("liveness callbacks = %d, want 1", f.livenessCalls())
	}
	if _, subscribed, lost := f.manager.Counts(); subscribed != 0 || lost != 7 {
		t.Errorf("Counts() subscribed=%d lost=%d, want 0/7", subscribed, lost)
	}

	d.SetOnline(true)
	f.clock.Advance(time.Second)
	f.manager.discover(t.Context())
	if f.manager.Clients()[0].Stale {
		t.Error("client still stale after answering")
	}
	f.manager.maintain(t.Context())
	if _, subscribed, _ := f.manager.Counts(); subscribed != 7 {
		t.Errorf("subscribed = %d, want 7 after return", subscribed)
	}
}

func TestWritePoint(t *testing.T) {
	f := newFixture(t, nil)
	d := plant(f, 100, false)
	f.manager.discover(t.Context())

	for _, id := range []bacnet.ObjectID{oid(bacnet.AnalogOutput, 2), oid(bacnet.BinaryValue, 1), oid(bacnet.AnalogInput, 1)} {
		if err := f.manager.SetEnabled(t.Context(), uid(100, id.Type, id.Instance), true); err != nil {
			t.Fatalf("SetEnabled(%s) error: %v", id, err)
		}
	}

	tests := []struct {
		name    string
		uid     string
		raw     string
		wantErr error
	}{
		{"unknown", "nope", "1", ErrPointNotFound},
		{"read only", uid(100, bacnet.AnalogInput, 1), "1", ErrPointNotWritable},
		{"output without priority array", uid(100, bacnet.AnalogOutput, 1), "1", ErrPointNotWritable},
		{"disabled", uid(100, bacnet.MultiStateValue, 1), "1", ErrPointDisabled},
		{"bad number", uid(100, bacnet.AnalogOutput, 2), "warm", ErrInvalidCommand},
		{"analog output", uid(100, bacnet.AnalogOutput, 2), "42.5", nil},
		{"binary value", uid(100, bacnet.BinaryValue, 1), "OFF", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.WritePoint(t.Context(), tt.uid, tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WritePoint() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if v, _ := d.Value(oid(bacnet.AnalogOutput, 2)); !v.Equal(bacnet.Real(42.5)) {
		t.Errorf("remote AO2 = %v, want 42.5", v)
	}
	if v, _ := d.Value(oid(bacnet.BinaryValue, 1)); !v.Equal(bacnet.Binary(false)) {
		t.Errorf("remote BV1 = %v, want inactive", v)
	}
	if v, _ := d.Value(oid(bacnet.AnalogOutput, 1)); !v.Equal(bacnet.Real(0)) {
		t.Errorf("read-only AO1 changed to %v", v)
	}
}

func TestSetEnabledUnknownPoint(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.manager.SetEnabled(t.Context(), "missing", true); !errors.Is(err, ErrPointNotFound) {
		t.Errorf("SetEnabled() error = %v, want ErrPointNotFound", err)
	}
}

func TestStartDiscoversAndStopUnsubscribes(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Now = nil
		o.TickInterval = 10 * time.Millisecond
	})
	d := plant(f, 100, false)

	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := f.manager.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	waitFor(t, "initial subscriptions", func() bool { return f.stack.Subscriptions() == 7 })

	d.AddObject(oid(bacnet.AnalogValue, 9), "Late", bacnet.Real(1), false)
	f.manager.RequestDiscovery()
	waitFor(t, "late point", func() bool { return f.stack.Subscriptions() == 8 })

	d.SetValue(oid(bacnet.AnalogValue, 9), bacnet.Real(5))
	waitFor(t, "cov value", func() bool {
		return f.sink.value(uid(100, bacnet.AnalogValue, 9)).Equal(bacnet.Real(5))
	})

	f.manager.Stop()
	f.manager.Stop()

	if got := f.stack.Subscriptions(); got != 0 {
		t.Errorf("Subscriptions() after Stop = %d, want 0", got)
	}
	if avail, _ := f.sink.available(uid(100, bacnet.AnalogInput, 1)); avail {
		t.Error("point still available after Stop")
	}
	if _, ok := f.manager.Point(uid(100, bacnet.AnalogInput, 1)); !ok {
		t.Error("imported point forgotten on Stop")
	}
}
