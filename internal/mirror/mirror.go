package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/hub"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/bacnet-hub/internal/naming"
	"github.com/nerrad567/bacnet-hub/internal/remote"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	// Binary states travel as the BACnet enumeration names.
	payloadActive   = "active"
	payloadInactive = "inactive"

	defaultCommandTimeout = 5 * time.Second

	// maxSelectStates bounds the options offered for an imported
	// multi-state point whose state text is unknown.
	maxSelectStates = 16
)

// Publisher is the MQTT surface the exposer needs. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// PointWriter forwards commands to imported points. *remote.Manager satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, uniqueID, raw string) error
}

// Logger is the logging interface used by the exposer.
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

// Options configures an Exposer.
type Options struct {
	EntryID    string
	DeviceName string
	Publisher  Publisher
	QoS        byte
	Logger     Logger

	// CommandTimeout bounds one forwarded point write. Default 5s.
	CommandTimeout time.Duration
}

type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// discoveryConfig is a Home Assistant MQTT discovery payload.
type discoveryConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	ObjectID          string     `json:"object_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic,omitempty"`
	CommandTopic      string     `json:"command_topic,omitempty"`
	Unit              string     `json:"unit_of_measurement,omitempty"`
	Options           []string   `json:"options,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
	StateOn           string     `json:"state_on,omitempty"`
	StateOff          string     `json:"state_off,omitempty"`
	Min               *float64   `json:"min,omitempty"`
	Max               *float64   `json:"max,omitempty"`
	Step              float64    `json:"step,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	Device            deviceInfo `json:"device"`
}

// Exposer publishes mirror entities for one configuration entry. It
// implements hub.MirrorSink and remote.EntitySink.
//
// Thread Safety: All methods are safe for concurrent use.
type Exposer struct {
	opts   Options
	topics mqtt.Topics

	mu       sync.Mutex
	mappings map[string]string // unique id -> discovery topic
	points   map[string]string
	attached bool

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates an exposer.
func New(opts Options) (*Exposer, error) {
	if opts.Publisher == nil {
		return nil, ErrNoPublisher
	}
	if opts.EntryID == "" {
		return nil, fmt.Errorf("mirror: entry id is required")
	}
	if opts.DeviceName == "" {
		opts.DeviceName = "BACnet Hub"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	e := &Exposer{
		opts:     opts,
		mappings: make(map[string]string),
		points:   make(map[string]string),
		logger:   opts.Logger,
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	return e, nil
}

// SetLogger replaces the logger.
func (e *Exposer) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	defer e.loggerMu.Unlock()
	e.logger = logger
}

func (e *Exposer) log() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

func (e *Exposer) hubDevice() deviceInfo {
	return deviceInfo{
		Identifiers:  []string{naming.Domain + ":" + e.opts.EntryID},
		Name:         e.opts.DeviceName,
		Manufacturer: "bacnet-hub",
		Model:        "Virtual BACnet device",
	}
}

func (e *Exposer) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	return e.opts.Publisher.Publish(topic, payload, e.opts.QoS, true)
}

func (e *Exposer) withdraw(topic string) error {
	return e.opts.Publisher.Publish(topic, nil, e.opts.QoS, true)
}

// =============================================================================
// Published mappings
// =============================================================================

// PublishedEntities lists the unique IDs of every mapping entity currently exposed.
func (e *Exposer) PublishedEntities() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.mappings))
	for uid := range e.mappings {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

// PublishMapping exposes a published object as a diagnostic entity.
func (e *Exposer) PublishMapping(_ context.Context, m hub.Mapping) error {
	component := "sensor"
	if m.Spec.ObjectType == bacnet.BinaryValue {
		component = "binary_sensor"
	}
	objectID := naming.Slug(m.UniqueID, naming.Domain)
	topic := e.topics.Discovery(component, objectID)

	cfg := discoveryConfig{
		Name:           m.ObjectName,
		UniqueID:       m.UniqueID,
		ObjectID:       objectID,
		StateTopic:     e.topics.EntityState(e.opts.EntryID, m.UniqueID),
		EntityCategory: "diagnostic",
		Device:         e.hubDevice(),
	}
	switch m.Spec.ObjectType {
	case bacnet.AnalogValue:
		cfg.Unit = m.Spec.UnitText
	case bacnet.BinaryValue:
		cfg.PayloadOn = payloadActive
		cfg.PayloadOff = payloadInactive
	}

	e.mu.Lock()
	prev, had := e.mappings[m.UniqueID]
	e.mappings[m.UniqueID] = topic
	e.mu.Unlock()

	if had && prev != topic {
		if err := e.withdraw(prev); err != nil {
			e.log().Debug("stale discovery clear failed", "unique_id", m.UniqueID, "error", err)
		}
	}
	if err := e.publishJSON(topic, cfg); err != nil {
		return fmt.Errorf("publishing mapping %s: %w", m.UniqueID, err)
	}
	return nil
}

// RemoveMapping deletes a mapping entity and its retained state.
func (e *Exposer) RemoveMapping(_ context.Context, uniqueID string) error {
	e.mu.Lock()
	topic, ok := e.mappings[uniqueID]
	delete(e.mappings, uniqueID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.withdraw(topic); err != nil {
		return fmt.Errorf("removing mapping %s: %w", uniqueID, err)
	}
	if err := e.withdraw(e.topics.EntityState(e.opts.EntryID, uniqueID)); err != nil {
		e.log().Debug("state clear failed", "unique_id", uniqueID, "error", err)
	}
	return nil
}

// PublishValue publishes the present-value of a published object.
func (e *Exposer) PublishValue(_ context.Context, uniqueID string, v bacnet.Value) error {
	e.mu.Lock()
	_, ok := e.mappings[uniqueID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, uniqueID)
	}
	return e.opts.Publisher.Publish(e.topics.EntityState(e.opts.EntryID, uniqueID), []byte(statePayload(v)), e.opts.QoS, true)
}

// =============================================================================
// Imported points
// =============================================================================

// PublishPoint exposes an enabled imported point, or withdraws a disabled one.
func (e *Exposer) PublishPoint(_ context.Context, p remote.PointView) error {
	objectID := naming.Slug(p.EntityID, p.UniqueID)
	if _, id, ok := cutDomain(p.EntityID); ok {
		objectID = id
	}
	topic := e.topics.Discovery(string(p.Platform), objectID)

	if !p.Enabled {
		e.mu.Lock()
		prev, had := e.points[p.UniqueID]
		delete(e.points, p.UniqueID)
		e.mu.Unlock()
		if !had {
			return nil
		}
		if err := e.withdraw(prev); err != nil {
			return fmt.Errorf("withdrawing point %s: %w", p.UniqueID, err)
		}
		e.log().Info("imported entity withdrawn", "point", p.UniqueID)
		return nil
	}

	cfg := discoveryConfig{
		Name:              p.Name,
		UniqueID:          p.UniqueID,
		ObjectID:          objectID,
		StateTopic:        e.topics.EntityState(e.opts.EntryID, p.UniqueID),
		AvailabilityTopic: e.topics.EntityAvailability(e.opts.EntryID, p.UniqueID),
		Device: deviceInfo{
			Identifiers:  []string{e.opts.EntryID + "-" + p.ClientID},
			Name:         "BACnet " + p.ClientID,
			Manufacturer: "BACnet",
			ViaDevice:    naming.Domain + ":" + e.opts.EntryID,
		},
	}
	if p.Writable {
		cfg.CommandTopic = e.topics.EntityCommand(e.opts.EntryID, p.UniqueID)
	}
	switch p.Platform {
	case remote.PlatformBinarySensor:
		cfg.PayloadOn, cfg.PayloadOff = payloadActive, payloadInactive
	case remote.PlatformSwitch:
		cfg.PayloadOn, cfg.PayloadOff = payloadActive, payloadInactive
		cfg.StateOn, cfg.StateOff = payloadActive, payloadInactive
	case remote.PlatformNumber:
		lo, hi := -1e6, 1e6
		cfg.Min, cfg.Max, cfg.Step = &lo, &hi, 0.1
	case remote.PlatformSelect:
		cfg.Options = selectOptions(p.Value)
	}

	e.mu.Lock()
	e.points[p.UniqueID] = topic
	e.mu.Unlock()

	if err := e.publishJSON(topic, cfg); err != nil {
		return fmt.Errorf("publishing point %s: %w", p.UniqueID, err)
	}
	return nil
}

// PublishPointValue publishes the last received value of an imported point.
func (e *Exposer) PublishPointValue(_ context.Context, p remote.PointView) error {
	if p.Value.IsNull() {
		return nil
	}
	return e.opts.Publisher.Publish(e.topics.EntityState(e.opts.EntryID, p.UniqueID), []byte(statePayload(p.Value)), e.opts.QoS, true)
}

// PublishAvailability marks an imported entity available or unavailable.
func (e *Exposer) PublishAvailability(_ context.Context, uniqueID string, available bool) error {
	payload := payloadOffline
	if available {
		payload = payloadOnline
	}
	return e.opts.Publisher.Publish(e.topics.EntityAvailability(e.opts.EntryID, uniqueID), []byte(payload), e.opts.QoS, true)
}

// =============================================================================
// Commands
// =============================================================================

// Attach subscribes to the entry's command topics and forwards commands to w.
func (e *Exposer) Attach(w PointWriter) error {
	e.mu.Lock()
	if e.attached {
		e.mu.Unlock()
		return nil
	}
	e.attached = true
	e.mu.Unlock()

	err := e.opts.Publisher.Subscribe(e.topics.AllEntityCommands(e.opts.EntryID), e.opts.QoS, func(topic string, payload []byte) error {
		return e.handleCommand(w, topic, payload)
	})
	if err != nil {
		e.mu.Lock()
		e.attached = false
		e.mu.Unlock()
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	return nil
}

// Detach stops forwarding commands.
func (e *Exposer) Detach() error {
	e.mu.Lock()
	attached := e.attached
	e.attached = false
	e.mu.Unlock()
	if !attached {
		return nil
	}
	return e.opts.Publisher.Unsubscribe(e.topics.AllEntityCommands(e.opts.EntryID))
}

func (e *Exposer) handleCommand(w PointWriter, topic string, payload []byte) error {
	uid, ok := e.topics.CommandUniqueID(e.opts.EntryID, topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CommandTimeout)
	defer cancel()
	if err := w.WritePoint(ctx, uid, string(payload)); err != nil {
		e.log().Warn("imported point command rejected", "point", uid, "error", err)
		return err
	}
	return nil
}

// RemoveAll withdraws every entity this exposer published. Used on entry unload.
func (e *Exposer) RemoveAll(ctx context.Context) {
	for _, uid := range e.PublishedEntities() {
		if err := e.RemoveMapping(ctx, uid); err != nil {
			e.log().Debug("mapping removal failed", "unique_id", uid, "error", err)
		}
	}
	e.mu.Lock()
	topics := make([]string, 0, len(e.points))
	for _, t := range e.points {
		topics = append(topics, t)
	}
	clear(e.points)
	e.mu.Unlock()
	for _, t := range topics {
		if err := e.withdraw(t); err != nil {
			e.log().Debug("point removal failed", "topic", t, "error", err)
		}
	}
}

func statePayload(v bacnet.Value) string {
	if v.Kind == bacnet.KindBinary {
		if v.Binary {
			return payloadActive
		}
		return payloadInactive
	}
	return v.String()
}

func selectOptions(current bacnet.Value) []string {
	n := maxSelectStates
	if current.Kind == bacnet.KindUnsigned && int(current.Unsigned) > n {
		n = int(current.Unsigned)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

// cutDomain splits "sensor.x" into ("sensor", "x").
func cutDomain(entityID string) (string, string, bool) {
	domain, id, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" || id == "" {
		return "", "", false
	}
	return domain, id, true
}

var (
	_ hub.MirrorSink    = (*Exposer)(nil)
	_ remote.EntitySink = (*Exposer)(nil)
	_ PointWriter       = (*remote.Manager)(nil)
)
