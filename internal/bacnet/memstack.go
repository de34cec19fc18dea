package bacnet

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// boundAddrs tracks addresses held by MemoryStacks in this process so that
// two virtual devices cannot share a port.
var boundAddrs = struct {
	mu sync.Mutex
	m  map[netip.AddrPort]*MemoryStack
}{m: make(map[netip.AddrPort]*MemoryStack)}

// MemoryStack is an in-process implementation of Stack.
//
// Locally hosted objects live in a map; remote devices are simulated with
// AddRemoteDevice. Writes from BACnet clients are injected with Write.
//
// Thread Safety: All methods are safe for concurrent use.
type MemoryStack struct {
	mu           sync.RWMutex
	bound        *DeviceConfig
	objects      map[ObjectID]Object
	writeHandler WriteHandler
	covHandler   COVHandler
	remotes      map[uint32]*RemoteDevice
	subs         map[covKey]time.Time
	bindCalls    int
}

type covKey struct {
	device    uint32
	object    ObjectID
	processID uint32
}

// NewMemoryStack creates an unbound in-memory stack.
func NewMemoryStack() *MemoryStack {
	return &MemoryStack{
		objects: make(map[ObjectID]Object),
		remotes: make(map[uint32]*RemoteDevice),
		subs:    make(map[covKey]time.Time),
	}
}

// Bind claims the device address.
func (s *MemoryStack) Bind(_ context.Context, cfg DeviceConfig) error {
	key := netip.AddrPortFrom(cfg.Address.IP, uint16(cfg.Address.Port)) //nolint:gosec // port validated on parse

	boundAddrs.mu.Lock()
	defer boundAddrs.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindCalls++

	if holder, ok := boundAddrs.m[key]; ok && holder != s {
		return fmt.Errorf("%w: %s", ErrAddressInUse, key)
	}
	boundAddrs.m[key] = s
	c := cfg
	s.bound = &c
	return nil
}

// BindCalls returns how many times Bind has been attempted.
func (s *MemoryStack) BindCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindCalls
}

// Device returns the bound device configuration.
func (s *MemoryStack) Device() (DeviceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bound == nil {
		return DeviceConfig{}, false
	}
	return *s.bound, true
}

// Close releases the address and drops all hosted objects and subscriptions.
func (s *MemoryStack) Close() error {
	boundAddrs.mu.Lock()
	defer boundAddrs.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound != nil {
		key := netip.AddrPortFrom(s.bound.Address.IP, uint16(s.bound.Address.Port)) //nolint:gosec // port validated on parse
		if boundAddrs.m[key] == s {
			delete(boundAddrs.m, key)
		}
	}
	s.bound = nil
	s.objects = make(map[ObjectID]Object)
	s.subs = make(map[covKey]time.Time)
	return nil
}

// CreateObject adds a hosted object.
func (s *MemoryStack) CreateObject(_ context.Context, obj Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return ErrNotBound
	}
	if _, ok := s.objects[obj.ID]; ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, obj.ID)
	}
	s.objects[obj.ID] = obj.Clone()
	return nil
}

// UpdateObject replaces descriptive properties, keeping present-value.
func (s *MemoryStack) UpdateObject(_ context.Context, obj Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.objects[obj.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, obj.ID)
	}
	next := obj.Clone()
	next.PresentValue = cur.PresentValue
	s.objects[obj.ID] = next
	return nil
}

// DeleteObject removes a hosted object.
func (s *MemoryStack) DeleteObject(_ context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	delete(s.objects, id)
	return nil
}

// Object returns a copy of a hosted object.
func (s *MemoryStack) Object(id ObjectID) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return Object{}, false
	}
	return obj.Clone(), true
}

// Objects returns all hosted object identifiers, sorted by type then instance.
func (s *MemoryStack) Objects() []ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sortObjectIDs(ids)
	return ids
}

// SetPresentValue updates a hosted object's present-value.
func (s *MemoryStack) SetPresentValue(_ context.Context, id ObjectID, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	obj.PresentValue = v
	s.objects[id] = obj
	return nil
}

// SetWriteHandler installs the write decision hook.
func (s *MemoryStack) SetWriteHandler(h WriteHandler) {
	s.mu.Lock()
	s.writeHandler = h
	s.mu.Unlock()
}

// Write simulates a WriteProperty(present-value) from a BACnet client.
// The handler runs without the stack lock held. Present-value is not changed
// here; the accepting side is expected to push the confirmed value later.
func (s *MemoryStack) Write(ctx context.Context, req WriteRequest) error {
	s.mu.RLock()
	obj, ok := s.objects[req.Object]
	h := s.writeHandler
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, req.Object)
	}
	if !obj.Writable || h == nil {
		return ErrWriteAccessDenied
	}
	if err := h(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteAccessDenied, err)
	}
	return nil
}

// RemoteDevice is a simulated device reachable through a MemoryStack.
type RemoteDevice struct {
	stack   *MemoryStack
	iam     IAm
	global  bool
	online  bool
	objects map[ObjectID]*remoteObject
}

type remoteObject struct {
	value         Value
	priorityArray bool
	name          string
}

// AddRemoteDevice registers a simulated remote device. Devices marked global
// only answer a global-broadcast Who-Is.
func (s *MemoryStack) AddRemoteDevice(instance uint32, addr netip.AddrPort, global bool) *RemoteDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &RemoteDevice{
		stack:   s,
		iam:     IAm{Instance: instance, Address: addr},
		global:  global,
		online:  true,
		objects: make(map[ObjectID]*remoteObject),
	}
	d.objects[ObjectID{Type: Device, Instance: instance}] = &remoteObject{name: fmt.Sprintf("device-%d", instance)}
	s.remotes[instance] = d
	return d
}

// IAm returns the device's I-Am identity.
func (d *RemoteDevice) IAm() IAm { return d.iam }

// AddObject adds a point to the remote device.
func (d *RemoteDevice) AddObject(id ObjectID, name string, v Value, priorityArray bool) {
	d.stack.mu.Lock()
	defer d.stack.mu.Unlock()
	d.objects[id] = &remoteObject{value: v, priorityArray: priorityArray, name: name}
}

// SetOnline toggles reachability. Going offline drops nothing; requests time out.
func (d *RemoteDevice) SetOnline(online bool) {
	d.stack.mu.Lock()
	defer d.stack.mu.Unlock()
	d.online = online
}

// Restart simulates a device reboot: all of its COV subscriptions are forgotten.
func (d *RemoteDevice) Restart() {
	d.stack.mu.Lock()
	defer d.stack.mu.Unlock()
	for k := range d.stack.subs {
		if k.device == d.iam.Instance {
			delete(d.stack.subs, k)
		}
	}
}

// SetValue changes a point's value and notifies COV subscribers.
func (d *RemoteDevice) SetValue(id ObjectID, v Value) {
	d.stack.mu.Lock()
	obj, ok := d.objects[id]
	if ok {
		obj.value = v
	}
	d.stack.mu.Unlock()
	if ok {
		d.stack.notifyCOV(d.iam.Instance, id, v)
	}
}

// Value returns a point's current value.
func (d *RemoteDevice) Value(id ObjectID) (Value, bool) {
	d.stack.mu.RLock()
	defer d.stack.mu.RUnlock()
	obj, ok := d.objects[id]
	if !ok {
		return Null, false
	}
	return obj.value, true
}

// WhoIs returns online devices visible in the given scope, in instance order.
func (s *MemoryStack) WhoIs(ctx context.Context, scope BroadcastScope) ([]IAm, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []IAm
	for _, d := range s.remotes {
		if !d.online {
			continue
		}
		if d.global && scope != BroadcastGlobal {
			continue
		}
		out = append(out, d.iam)
	}
	slices.SortFunc(out, func(a, b IAm) int { return int(a.Instance) - int(b.Instance) })
	return out, nil
}

func (s *MemoryStack) reachable(dev IAm) (*RemoteDevice, error) {
	d, ok := s.remotes[dev.Instance]
	if !ok {
		return nil, fmt.Errorf("%w: device %d", ErrDeviceUnreachable, dev.Instance)
	}
	if !d.online {
		return nil, fmt.Errorf("%w: device %d", ErrTimeout, dev.Instance)
	}
	return d, nil
}

// ReadObjectList returns the device's object identifiers.
func (s *MemoryStack) ReadObjectList(_ context.Context, dev IAm) ([]ObjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.reachable(dev)
	if err != nil {
		return nil, err
	}
	ids := make([]ObjectID, 0, len(d.objects))
	for id := range d.objects {
		ids = append(ids, id)
	}
	sortObjectIDs(ids)
	return ids, nil
}

// ReadProperty reads present-value, object-name or priority-array.
func (s *MemoryStack) ReadProperty(_ context.Context, dev IAm, obj ObjectID, prop PropertyID) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.reachable(dev)
	if err != nil {
		return Null, err
	}
	o, ok := d.objects[obj]
	if !ok {
		return Null, fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	switch prop {
	case PropertyPresentValue:
		return o.value, nil
	case PropertyObjectName:
		return Text(o.name), nil
	case PropertyPriorityArray:
		if !o.priorityArray {
			return Null, ErrUnknownProperty
		}
		return Unsigned(16), nil //nolint:mnd // priority array length
	default:
		return Null, ErrUnknownProperty
	}
}

// WriteProperty writes a remote point's present-value.
func (s *MemoryStack) WriteProperty(_ context.Context, dev IAm, obj ObjectID, v Value, _ uint8) error {
	s.mu.Lock()
	d, err := s.reachable(dev)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	o, ok := d.objects[obj]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	switch obj.Type {
	case AnalogInput, BinaryInput, Device:
		s.mu.Unlock()
		return ErrWriteAccessDenied
	case AnalogOutput, BinaryOutput:
		if !o.priorityArray {
			s.mu.Unlock()
			return ErrWriteAccessDenied
		}
	}
	o.value = v
	s.mu.Unlock()

	s.notifyCOV(dev.Instance, obj, v)
	return nil
}

// SubscribeCOV records a subscription.
func (s *MemoryStack) SubscribeCOV(_ context.Context, req COVRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.reachable(req.Device)
	if err != nil {
		return err
	}
	if _, ok := d.objects[req.Object]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, req.Object)
	}
	s.subs[covKey{req.Device.Instance, req.Object, req.ProcessID}] = time.Now().Add(req.Lifetime)
	return nil
}

// UnsubscribeCOV removes a subscription. Unknown subscriptions are ignored.
func (s *MemoryStack) UnsubscribeCOV(_ context.Context, req COVRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, covKey{req.Device.Instance, req.Object, req.ProcessID})
	return nil
}

// Subscriptions returns the number of active COV subscriptions.
func (s *MemoryStack) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// SetCOVHandler installs the COV notification receiver.
func (s *MemoryStack) SetCOVHandler(h COVHandler) {
	s.mu.Lock()
	s.covHandler = h
	s.mu.Unlock()
}

func (s *MemoryStack) notifyCOV(device uint32, obj ObjectID, v Value) {
	s.mu.RLock()
	h := s.covHandler
	d := s.remotes[device]
	var pids []uint32
	if d != nil && d.online {
		for k := range s.subs {
			if k.device == device && k.object == obj {
				pids = append(pids, k.processID)
			}
		}
	}
	s.mu.RUnlock()

	if h == nil {
		return
	}
	for _, pid := range pids {
		h(COVNotification{DeviceInstance: device, Object: obj, ProcessID: pid, Value: v})
	}
}

func sortObjectIDs(ids []ObjectID) {
	slices.SortFunc(ids, func(a, b ObjectID) int {
		if a.Type != b.Type {
			return int(a.Type) - int(b.Type)
		}
		return int(a.Instance) - int(b.Instance)
	})
}

var _ Stack = (*MemoryStack)(nil)
