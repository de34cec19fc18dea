package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket message types used by the platform API.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"
	msgEvent        = "event"

	eventStateChanged      = "state_changed"
	eventServiceRegistered = "service_registered"
	eventServiceRemoved    = "service_removed"

	defaultHandshakeTimeout = 10 * time.Second
)

// registryEventTypes maps registry update event types to their kind and the
// data field carrying the row identifier.
var registryEventTypes = map[string]struct {
	kind    RegistryKind
	idField string
}{
	"entity_registry_updated": {RegistryEntity, "entity_id"},
	"device_registry_updated": {RegistryDevice, "device_id"},
	"area_registry_updated":   {RegistryArea, "area_id"},
	"label_registry_updated":  {RegistryLabel, "label_id"},
}

// Logger is the logging interface used by the WebSocket client.
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

// Config holds WebSocket connection settings.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://homeassistant.local:8123/api/websocket".
	URL string

	// Token is a long-lived access token.
	Token string

	// HandshakeTimeout bounds dial plus authentication. Default: 10s.
	HandshakeTimeout time.Duration

	Logger Logger
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsIncoming struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *wsError        `json:"error"`
	Event   json.RawMessage `json:"event"`
	Message string          `json:"message"`
}

type wsEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type wsResult struct {
	result json.RawMessage
	err    error
}

// Client is a Platform implementation over the platform's WebSocket API.
//
// Thread Safety: All methods are safe for concurrent use. Event callbacks run
// on the read goroutine and must not block.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  Logger

	mu       sync.Mutex
	nextID   int
	pending  map[int]chan wsResult
	subs     map[int]func(wsEvent)
	services map[string]map[string]struct{}
	closeErr error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, authenticates, starts the read loop and loads the service catalogue.
//
// Parameters:
//   - ctx: Context bounding the handshake
//   - cfg: Endpoint and credentials
//
// Returns:
//   - *Client: Connected client
//   - error: ErrAuthFailed if the token is rejected, or a dial error
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(hsCtx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}

	if deadline, ok := hsCtx.Deadline(); ok {
		conn.SetReadDeadline(deadline) //nolint:errcheck // cleared after handshake
	}
	if err := authenticate(conn, cfg.Token); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck // clearing deadline cannot fail meaningfully

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[int]chan wsResult),
		subs:     make(map[int]func(wsEvent)),
		services: make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	if err := c.loadServices(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("loading services: %w", err)
	}
	if _, err := c.subscribe(ctx, eventServiceRegistered, c.onServiceEvent(true)); err != nil {
		c.logger.Warn("service_registered subscription failed", "error", err)
	}
	if _, err := c.subscribe(ctx, eventServiceRemoved, c.onServiceEvent(false)); err != nil {
		c.logger.Warn("service_removed subscription failed", "error", err)
	}
	return c, nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var msg wsIncoming
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("reading auth request: %w", err)
	}
	if msg.Type != msgAuthRequired {
		return fmt.Errorf("%w: %q before auth", ErrUnexpectedMessage, msg.Type)
	}
	if err := conn.WriteJSON(map[string]any{"type": msgAuth, "access_token": token}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	switch msg.Type {
	case msgAuthOK:
		return nil
	case msgAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthFailed, msg.Message)
	default:
		return fmt.Errorf("%w: %q during auth", ErrUnexpectedMessage, msg.Type)
	}
}

// Close terminates the connection. Pending commands fail with ErrNotConnected.
func (c *Client) Close() error {
	c.shutdown(ErrNotConnected)
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		pending := c.pending
		c.pending = make(map[int]chan wsResult)
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
		for _, ch := range pending {
			ch <- wsResult{err: ErrNotConnected}
		}
	})
}

func (c *Client) readLoop() {
	for {
		var msg wsIncoming
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("home assistant websocket closed", "error", err)
			}
			c.shutdown(fmt.Errorf("%w: %w", ErrNotConnected, err))
			return
		}

		switch msg.Type {
		case msgResult:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if !msg.Success {
				detail := "unknown error"
				if msg.Error != nil {
					detail = msg.Error.Code + ": " + msg.Error.Message
				}
				ch <- wsResult{err: fmt.Errorf("%w: %s", ErrCommandFailed, detail)}
				continue
			}
			ch <- wsResult{result: msg.Result}

		case msgEvent:
			c.mu.Lock()
			fn, ok := c.subs[msg.ID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			var ev wsEvent
			if err := json.Unmarshal(msg.Event, &ev); err != nil {
				c.logger.Debug("discarding malformed event", "error", err)
				continue
			}
			c.dispatch(fn, ev)
		}
	}
}

// dispatch runs an event callback, recovering from panics so a faulty
// handler cannot kill the read loop.
func (c *Client) dispatch(fn func(wsEvent), ev wsEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in event handler", "event_type", ev.EventType, "panic", r)
		}
	}()
	fn(ev)
}

// command sends payload with a fresh id and waits for its result. register,
// if non-nil, runs under the client lock before the payload is written.
func (c *Client) command(ctx context.Context, payload map[string]any, register func(id int)) (json.RawMessage, error) {
	ch := make(chan wsResult, 1)

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	if register != nil {
		register(id)
	}
	c.mu.Unlock()

	payload["id"] = id

	c.writeMu.Lock()
	err := c.conn.WriteJSON(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending %v: %w", payload["type"], err)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) list(ctx context.Context, msgType string, out any) error {
	raw, err := c.command(ctx, map[string]any{"type": msgType}, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", msgType, err)
	}
	return nil
}

// ListEntities returns the entity registry.
func (c *Client) ListEntities(ctx context.Context) ([]EntityEntry, error) {
	var out []EntityEntry
	return out, c.list(ctx, "config/entity_registry/list", &out)
}

// ListDevices returns the device registry.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	var out []DeviceEntry
	return out, c.list(ctx, "config/device_registry/list", &out)
}

// ListAreas returns the area registry.
func (c *Client) ListAreas(ctx context.Context) ([]AreaEntry, error) {
	var out []AreaEntry
	return out, c.list(ctx, "config/area_registry/list", &out)
}

// ListLabels returns the label registry.
func (c *Client) ListLabels(ctx context.Context) ([]LabelEntry, error) {
	var out []LabelEntry
	return out, c.list(ctx, "config/label_registry/list", &out)
}

// States returns every entity state.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	var out []EntityState
	return out, c.list(ctx, "get_states", &out)
}

// subscribe registers fn for eventType and returns the subscription id.
func (c *Client) subscribe(ctx context.Context, eventType string, fn func(wsEvent)) (int, error) {
	var subID int
	_, err := c.command(ctx, map[string]any{"type": "subscribe_events", "event_type": eventType}, func(id int) {
		subID = id
		c.subs[id] = fn
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return 0, fmt.Errorf("subscribing to %s: %w", eventType, err)
	}
	return subID, nil
}

func (c *Client) unsubscribe(ids ...int) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.subs, id)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	defer cancel()
	for _, id := range ids {
		if _, err := c.command(ctx, map[string]any{"type": "unsubscribe_events", "subscription": id}, nil); err != nil {
			c.logger.Debug("unsubscribe failed", "subscription", id, "error", err)
		}
	}
}

// SubscribeStateChanges delivers state_changed events.
func (c *Client) SubscribeStateChanges(ctx context.Context, fn func(StateChange)) (func(), error) {
	id, err := c.subscribe(ctx, eventStateChanged, func(ev wsEvent) {
		var data struct {
			EntityID string       `json:"entity_id"`
			OldState *EntityState `json:"old_state"`
			NewState *EntityState `json:"new_state"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			c.logger.Debug("discarding malformed state_changed", "error", err)
			return
		}
		fn(StateChange{EntityID: data.EntityID, Old: data.OldState, New: data.NewState})
	})
	if err != nil {
		return nil, err
	}
	return func() { c.unsubscribe(id) }, nil
}

// SubscribeRegistryChanges delivers entity, device, area and label registry updates.
func (c *Client) SubscribeRegistryChanges(ctx context.Context, fn func(RegistryEvent)) (func(), error) {
	var ids []int
	for eventType, spec := range registryEventTypes {
		id, err := c.subscribe(ctx, eventType, func(ev wsEvent) {
			var data map[string]any
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				return
			}
			action, _ := data["action"].(string)
			rowID, _ := data[spec.idField].(string)
			fn(RegistryEvent{Kind: spec.kind, Action: action, ID: rowID})
		})
		if err != nil {
			c.unsubscribe(ids...)
			return nil, err
		}
		ids = append(ids, id)
	}
	return func() { c.unsubscribe(ids...) }, nil
}

func (c *Client) loadServices(ctx context.Context) error {
	var catalogue map[string]map[string]json.RawMessage
	if err := c.list(ctx, "get_services", &catalogue); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]map[string]struct{}, len(catalogue))
	for domain, svcs := range catalogue {
		set := make(map[string]struct{}, len(svcs))
		for name := range svcs {
			set[name] = struct{}{}
		}
		c.services[domain] = set
	}
	return nil
}

func (c *Client) onServiceEvent(registered bool) func(wsEvent) {
	return func(ev wsEvent) {
		var data struct {
			Domain  string `json:"domain"`
			Service string `json:"service"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.Domain == "" {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if registered {
			if c.services[data.Domain] == nil {
				c.services[data.Domain] = make(map[string]struct{})
			}
			c.services[data.Domain][data.Service] = struct{}{}
			return
		}
		delete(c.services[data.Domain], data.Service)
	}
}

// HasService reports whether domain.service is registered.
func (c *Client) HasService(domain, service string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.services[domain][service]
	return ok
}

// CallService invokes domain.service with data (entity_id included in data).
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	_, err := c.command(ctx, map[string]any{
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": data,
	}, nil)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", domain, service, err)
	}
	return nil
}

var _ Platform = (*Client)(nil)
