package bacnet

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func mustAddr(t *testing.T, s string) BindAddress {
	t.Helper()
	a, err := ParseBindAddress(s)
	if err != nil {
		t.Fatalf("ParseBindAddress(%q) error = %v", s, err)
	}
	return a
}

func TestMemoryStackObjectLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStack()
	t.Cleanup(func() { s.Close() })

	id := ObjectID{Type: AnalogValue, Instance: 0}
	if err := s.CreateObject(ctx, Object{ID: id}); !errors.Is(err, ErrNotBound) {
		t.Fatalf("CreateObject() before Bind error = %v, want ErrNotBound", err)
	}

	if err := s.Bind(ctx, DeviceConfig{Instance: 1, Address: mustAddr(t, "127.0.0.10:47901")}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if err := s.CreateObject(ctx, Object{ID: id, Name: "sensor.temp"}); err != nil {
		t.Fatalf("CreateObject() error = %v", err)
	}
	if err := s.CreateObject(ctx, Object{ID: id}); !errors.Is(err, ErrObjectExists) {
		t.Errorf("CreateObject() duplicate error = %v, want ErrObjectExists", err)
	}

	if err := s.SetPresentValue(ctx, id, Real(21.5)); err != nil {
		t.Fatalf("SetPresentValue() error = %v", err)
	}
	if err := s.UpdateObject(ctx, Object{ID: id, Name: "sensor.temp", Description: "Lounge"}); err != nil {
		t.Fatalf("UpdateObject() error = %v", err)
	}
	obj, ok := s.Object(id)
	if !ok {
		t.Fatal("Object() not found")
	}
	if obj.Description != "Lounge" {
		t.Errorf("Description = %q, want %q", obj.Description, "Lounge")
	}
	if !obj.PresentValue.Equal(Real(21.5)) {
		t.Errorf("PresentValue = %v, want 21.5 (preserved across update)", obj.PresentValue)
	}

	if err := s.DeleteObject(ctx, id); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if err := s.DeleteObject(ctx, id); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("DeleteObject() twice error = %v, want ErrUnknownObject", err)
	}
}

func TestMemoryStackAddressInUse(t *testing.T) {
	ctx := context.Background()
	addr := mustAddr(t, "127.0.0.11:47902")

	a := NewMemoryStack()
	b := NewMemoryStack()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	if err := a.Bind(ctx, DeviceConfig{Address: addr}); err != nil {
		t.Fatalf("a.Bind() error = %v", err)
	}
	if err := b.Bind(ctx, DeviceConfig{Address: addr}); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("b.Bind() error = %v, want ErrAddressInUse", err)
	}
	a.Close()
	if err := b.Bind(ctx, DeviceConfig{Address: addr}); err != nil {
		t.Errorf("b.Bind() after release error = %v", err)
	}
}

func TestBindWithRetry(t *testing.T) {
	ctx := context.Background()
	addr := mustAddr(t, "127.0.0.12:47903")

	holder := NewMemoryStack()
	if err := holder.Bind(ctx, DeviceConfig{Address: addr}); err != nil {
		t.Fatalf("holder.Bind() error = %v", err)
	}

	s := NewMemoryStack()
	t.Cleanup(func() { s.Close() })

	var mu sync.Mutex
	retries := 0
	policy := BindPolicy{
		Attempts:     10,
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   1.5,
		OnRetry: func(error, time.Duration) {
			mu.Lock()
			retries++
			if retries == 2 {
				holder.Close()
			}
			mu.Unlock()
		},
	}

	if err := BindWithRetry(ctx, s, DeviceConfig{Address: addr}, policy); err != nil {
		t.Fatalf("BindWithRetry() error = %v", err)
	}
	if got := s.BindCalls(); got != 3 {
		t.Errorf("BindCalls() = %d, want 3", got)
	}
}

func TestBindWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	addr := mustAddr(t, "127.0.0.13:47904")

	holder := NewMemoryStack()
	if err := holder.Bind(ctx, DeviceConfig{Address: addr}); err != nil {
		t.Fatalf("holder.Bind() error = %v", err)
	}
	t.Cleanup(func() { holder.Close() })

	s := NewMemoryStack()
	err := BindWithRetry(ctx, s, DeviceConfig{Address: addr}, BindPolicy{Attempts: 3, InitialDelay: time.Millisecond})
	if !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("BindWithRetry() error = %v, want ErrAddressInUse", err)
	}
	if got := s.BindCalls(); got != 3 {
		t.Errorf("BindCalls() = %d, want 3", got)
	}
}

func TestMemoryStackWriteHandler(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStack()
	t.Cleanup(func() { s.Close() })
	if err := s.Bind(ctx, DeviceConfig{Address: mustAddr(t, "127.0.0.14:47905")}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	ro := ObjectID{Type: BinaryValue, Instance: 0}
	rw := ObjectID{Type: BinaryValue, Instance: 1}
	_ = s.CreateObject(ctx, Object{ID: ro, PresentValue: Binary(false)})
	_ = s.CreateObject(ctx, Object{ID: rw, Writable: true, PresentValue: Binary(false)})

	var got []WriteRequest
	s.SetWriteHandler(func(_ context.Context, req WriteRequest) error {
		got = append(got, req)
		return nil
	})

	if err := s.Write(ctx, WriteRequest{Object: ro, Value: Binary(true)}); !errors.Is(err, ErrWriteAccessDenied) {
		t.Errorf("Write(read-only) error = %v, want ErrWriteAccessDenied", err)
	}
	if err := s.Write(ctx, WriteRequest{Object: rw, Value: Binary(true)}); err != nil {
		t.Errorf("Write(writable) error = %v", err)
	}
	if len(got) != 1 || got[0].Object != rw {
		t.Errorf("handler calls = %v, want one call for %v", got, rw)
	}

	obj, _ := s.Object(rw)
	if !obj.PresentValue.Equal(Binary(false)) {
		t.Errorf("PresentValue = %v, want unchanged inactive", obj.PresentValue)
	}
}

func TestMemoryStackRemoteDevices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStack()

	local := s.AddRemoteDevice(100, netip.MustParseAddrPort("192.168.1.20:47808"), false)
	s.AddRemoteDevice(200, netip.MustParseAddrPort("10.9.0.2:47808"), true)

	ao := ObjectID{Type: AnalogOutput, Instance: 1}
	local.AddObject(ao, "valve", Real(10), false)

	devs, err := s.WhoIs(ctx, BroadcastLocal)
	if err != nil || len(devs) != 1 || devs[0].Instance != 100 {
		t.Fatalf("WhoIs(local) = %v, %v; want [100]", devs, err)
	}
	devs, _ = s.WhoIs(ctx, BroadcastGlobal)
	if len(devs) != 2 {
		t.Fatalf("WhoIs(global) returned %d devices, want 2", len(devs))
	}

	if _, err := s.ReadProperty(ctx, local.IAm(), ao, PropertyPriorityArray); !errors.Is(err, ErrUnknownProperty) {
		t.Errorf("ReadProperty(priority-array) error = %v, want ErrUnknownProperty", err)
	}
	if err := s.WriteProperty(ctx, local.IAm(), ao, Real(50), 8); !errors.Is(err, ErrWriteAccessDenied) {
		t.Errorf("WriteProperty(AO without priority array) error = %v, want ErrWriteAccessDenied", err)
	}

	var notes []COVNotification
	s.SetCOVHandler(func(n COVNotification) { notes = append(notes, n) })
	req := COVRequest{Device: local.IAm(), Object: ao, ProcessID: 7, Lifetime: time.Minute}
	if err := s.SubscribeCOV(ctx, req); err != nil {
		t.Fatalf("SubscribeCOV() error = %v", err)
	}
	local.SetValue(ao, Real(12))
	if len(notes) != 1 || !notes[0].Value.Equal(Real(12)) {
		t.Fatalf("notifications = %v, want one with 12", notes)
	}

	local.SetOnline(false)
	if err := s.SubscribeCOV(ctx, req); !errors.Is(err, ErrTimeout) {
		t.Errorf("SubscribeCOV(offline) error = %v, want ErrTimeout", err)
	}
	local.SetOnline(true)
	local.Restart()
	if got := s.Subscriptions(); got != 0 {
		t.Errorf("Subscriptions() after restart = %d, want 0", got)
	}
}
