package remote

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

// Defaults for remote discovery and subscription maintenance.
const (
	DefaultDiscoveryTimeout    = 3 * time.Second
	DefaultReadTimeout         = 2500 * time.Millisecond
	DefaultRediscoveryInterval = 15 * time.Minute
	DefaultPointScanLimit      = 128
	DefaultLease               = 300 * time.Second
	DefaultResubscribeInitial  = 10 * time.Second
	DefaultResubscribeMax      = 300 * time.Second
	DefaultProbeInterval       = 60 * time.Second
	DefaultTickInterval        = time.Second

	// staleAfterIntervals is how many rediscovery intervals a client may go
	// unseen before it is marked stale.
	staleAfterIntervals = 2

	// commandPriority is the priority-array slot used for commandable outputs
	// (Manual Operator).
	commandPriority = 8

	historyMeasurement = "bacnet_value"
)

// Logger is the logging interface used by the remote manager.
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

// ImportedEntity is the durable registry row of an imported point.
type ImportedEntity struct {
	UniqueID       string
	EntityID       string
	Platform       Platform
	ClientInstance uint32
	Object         bacnet.ObjectID
	Name           string
	Enabled        bool
}

// Registry persists imported entities across restarts. The store package
// satisfies it.
type Registry interface {
	// EnsureImported inserts the row when missing (enabled=false) and returns
	// the stored row. An existing row keeps its enabled flag.
	EnsureImported(ctx context.Context, entryID string, e ImportedEntity) (ImportedEntity, error)

	// SetImportedEnabled updates the enabled flag of an existing row.
	SetImportedEnabled(ctx context.Context, entryID, uniqueID string, enabled bool) error
}

// EntitySink exposes imported points as platform entities. The mirror
// package satisfies it.
type EntitySink interface {
	PublishPoint(ctx context.Context, p PointView) error
	PublishPointValue(ctx context.Context, p PointView) error
	PublishAvailability(ctx context.Context, uniqueID string, available bool) error
}

// HistoryWriter records received values. The InfluxDB client satisfies it.
type HistoryWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// Metrics receives subscription measurements.
type Metrics interface {
	SetPointStates(entryID string, subscribed, lost int)
	ObserveCOV(entryID string)
}

// Options configures a Manager. Zero durations take the defaults above.
type Options struct {
	EntryID       string
	LocalInstance uint32
	Client        bacnet.Client

	Registry Registry
	Sink     EntitySink
	History  HistoryWriter
	Metrics  Metrics
	Logger   Logger

	DiscoveryTimeout    time.Duration
	ReadTimeout         time.Duration
	RediscoveryInterval time.Duration
	PointScanLimit      int
	Lease               time.Duration
	ResubscribeInitial  time.Duration
	ResubscribeMax      time.Duration
	ProbeInterval       time.Duration
	TickInterval        time.Duration

	// OnLiveness is called when a client stops answering.
	OnLiveness func()

	// OnSubscription is called on every point state transition.
	OnSubscription func(PointView)

	Now func() time.Time
}

func (o *Options) applyDefaults() {
	setDefault(&o.DiscoveryTimeout, DefaultDiscoveryTimeout)
	setDefault(&o.ReadTimeout, DefaultReadTimeout)
	setDefault(&o.RediscoveryInterval, DefaultRediscoveryInterval)
	setDefault(&o.Lease, DefaultLease)
	setDefault(&o.ResubscribeInitial, DefaultResubscribeInitial)
	setDefault(&o.ResubscribeMax, DefaultResubscribeMax)
	setDefault(&o.ProbeInterval, DefaultProbeInterval)
	setDefault(&o.TickInterval, DefaultTickInterval)
	if o.PointScanLimit <= 0 {
		o.PointScanLimit = DefaultPointScanLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Manager discovers remote clients and keeps their points subscribed.
//
// Thread Safety: All exported methods are safe for concurrent use.
// Discovery and subscription maintenance run on one goroutine.
type Manager struct {
	opts Options

	mu        sync.RWMutex
	clients   map[uint32]*Client
	byUID     map[string]*Point
	lastProbe map[uint32]time.Time

	requests chan struct{}
	started  bool

	ctx      context.Context //nolint:containedctx // lifetime context for COV callbacks
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewManager creates a stopped manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.EntryID == "" {
		return nil, fmt.Errorf("entry id is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("protocol client is required")
	}
	opts.applyDefaults()

	m := &Manager{
		opts:      opts,
		clients:   make(map[uint32]*Client),
		byUID:     make(map[string]*Point),
		lastProbe: make(map[uint32]time.Time),
		requests:  make(chan struct{}, 1),
		logger:    opts.Logger,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.logger == nil {
		m.logger = noopLogger{}
	}
	return m, nil
}

// SetLogger replaces the logger.
func (m *Manager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	defer m.loggerMu.Unlock()
	m.logger = logger
}

func (m *Manager) log() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Start installs the COV handler and begins discovery. The first discovery
// pass runs immediately.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.opts.Client.SetCOVHandler(m.handleCOV)

	m.wg.Add(1)
	go m.run(m.ctx)
	m.log().Info("remote discovery started", "entry_id", m.opts.EntryID)
	return nil
}

// Stop cancels discovery, unsubscribes every point and marks imported
// entities unavailable. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.opts.Client.SetCOVHandler(nil)

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ReadTimeout)
		defer cancel()

		for _, p := range m.points() {
			m.mu.Lock()
			req, ok := m.covRequestLocked(p)
			subscribed := p.State == StateSubscribed
			wasAvailable := p.Available
			p.State = StateUnsubscribed
			p.Available = false
			m.mu.Unlock()

			if ok && subscribed {
				if err := m.opts.Client.UnsubscribeCOV(ctx, req); err != nil {
					m.log().Debug("cov unsubscribe failed", "point", p.UniqueID, "error", err)
				}
			}
			if wasAvailable {
				m.publishAvailability(ctx, p.UniqueID, false)
			}
		}
		m.log().Info("remote discovery stopped", "entry_id", m.opts.EntryID)
	})
}

// RequestDiscovery schedules a discovery pass. Requests made while one is
// already pending are merged.
func (m *Manager) RequestDiscovery() {
	select {
	case m.requests <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	m.discover(ctx)

	rediscover := time.NewTicker(m.opts.RediscoveryInterval)
	defer rediscover.Stop()
	tick := time.NewTicker(m.opts.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.requests:
			m.discover(ctx)
		case <-rediscover.C:
			m.discover(ctx)
		case <-tick.C:
			m.maintain(ctx)
		}
	}
}

// discover runs one Who-Is pass, imports new points and ages out clients.
func (m *Manager) discover(ctx context.Context) {
	now := m.opts.Now()
	iams, err := m.whoIs(ctx)
	if err != nil {
		m.log().Warn("who-is failed", "error", err)
		return
	}

	for _, iam := range iams {
		isNew := m.upsertClient(iam, now)
		if isNew {
			m.log().Info("remote client discovered",
				"client_id", naming.ClientID(iam.Instance),
				"address", iam.Address.String(),
			)
			m.readClientName(ctx, iam)
		}
		m.scanPoints(ctx, iam)
	}

	if m.ageClients(now) && m.opts.OnLiveness != nil {
		m.opts.OnLiveness()
	}
	m.reportMetrics()
}

// whoIs broadcasts locally and falls back to a global broadcast when no
// device answers. The local device is excluded and results are deduplicated.
func (m *Manager) whoIs(ctx context.Context) ([]bacnet.IAm, error) {
	found, err := m.broadcast(ctx, bacnet.BroadcastLocal)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		found, err = m.broadcast(ctx, bacnet.BroadcastGlobal)
		if err != nil {
			return nil, err
		}
	}
	return dedupeIAms(found, m.opts.LocalInstance), nil
}

func (m *Manager) broadcast(ctx context.Context, scope bacnet.BroadcastScope) ([]bacnet.IAm, error) {
	wctx, cancel := context.WithTimeout(ctx, m.opts.DiscoveryTimeout)
	defer cancel()
	return m.opts.Client.WhoIs(wctx, scope)
}

// dedupeIAms drops the local instance and repeated instances, keeping the
// first answer, and sorts by (instance, address).
func dedupeIAms(iams []bacnet.IAm, local uint32) []bacnet.IAm {
	seen := make(map[uint32]bool, len(iams))
	out := make([]bacnet.IAm, 0, len(iams))
	for _, iam := range iams {
		if iam.Instance == local || seen[iam.Instance] {
			continue
		}
		seen[iam.Instance] = true
		out = append(out, iam)
	}
	slices.SortFunc(out, func(a, b bacnet.IAm) int {
		if c := cmp.Compare(a.Instance, b.Instance); c != 0 {
			return c
		}
		return a.Address.Compare(b.Address)
	})
	return out
}

// upsertClient records a sighting. A client returning from stale gets its
// lost points scheduled for immediate resubscription.
func (m *Manager) upsertClient(iam bacnet.IAm, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[iam.Instance]
	if !ok {
		m.clients[iam.Instance] = &Client{
			ID:       naming.ClientID(iam.Instance),
			Instance: iam.Instance,
			Address:  iam.Address,
			VendorID: iam.VendorID,
			LastSeen: now,
			iam:      iam,
			points:   make(map[bacnet.ObjectID]*Point),
		}
		return true
	}

	c.Address = iam.Address
	c.VendorID = iam.VendorID
	c.iam = iam
	c.LastSeen = now
	if c.Stale {
		c.Stale = false
		m.log().Info("remote client back", "client_id", c.ID)
	}
	for _, p := range c.points {
		if p.State == StateLost {
			p.nextAttempt = now
		}
	}
	return false
}

func (m *Manager) readClientName(ctx context.Context, iam bacnet.IAm) {
	rctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()
	v, err := m.opts.Client.ReadProperty(rctx, iam, bacnet.ObjectID{Type: bacnet.Device, Instance: iam.Instance}, bacnet.PropertyObjectName)
	if err != nil {
		return
	}
	m.mu.Lock()
	if c, ok := m.clients[iam.Instance]; ok {
		c.Name = v.Text
	}
	m.mu.Unlock()
}

// scanPoints reads the client's object list and imports points not seen
// before, up to the scan limit.
func (m *Manager) scanPoints(ctx context.Context, iam bacnet.IAm) {
	rctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	ids, err := m.opts.Client.ReadObjectList(rctx, iam)
	cancel()
	if err != nil {
		m.log().Warn("object list read failed", "client_id", naming.ClientID(iam.Instance), "error", err)
		m.loseClient(iam.Instance, "object list read failed")
		return
	}

	scanned := 0
	for _, id := range ids {
		if !Supported(id.Type) {
			continue
		}
		if scanned >= m.opts.PointScanLimit {
			m.log().Debug("point scan limit reached", "client_id", naming.ClientID(iam.Instance), "limit", m.opts.PointScanLimit)
			break
		}
		scanned++
		if m.hasPoint(iam.Instance, id) {
			continue
		}
		p, err := m.importPoint(ctx, iam, id)
		if err != nil {
			m.log().Warn("point import failed", "client_id", naming.ClientID(iam.Instance), "point", id.String(), "error", err)
			continue
		}
		m.subscribe(ctx, p)
	}
}

func (m *Manager) hasPoint(instance uint32, id bacnet.ObjectID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[instance]
	if !ok {
		return false
	}
	_, ok = c.points[id]
	return ok
}

func (m *Manager) importPoint(ctx context.Context, iam bacnet.IAm, id bacnet.ObjectID) (*Point, error) {
	rctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()

	hasPriorityArray := false
	if id.Type == bacnet.AnalogOutput || id.Type == bacnet.BinaryOutput {
		_, err := m.opts.Client.ReadProperty(rctx, iam, id, bacnet.PropertyPriorityArray)
		hasPriorityArray = err == nil
	}
	writable := Writable(id.Type, hasPriorityArray)
	platform := PlatformFor(id.Type, writable)

	name := id.String()
	if v, err := m.opts.Client.ReadProperty(rctx, iam, id, bacnet.PropertyObjectName); err == nil && v.Text != "" {
		name = v.Text
	}

	uid := naming.ImportedUniqueID(m.opts.EntryID, iam.Instance, id.Type, id.Instance)
	p := &Point{
		ClientID:       naming.ClientID(iam.Instance),
		ClientInstance: iam.Instance,
		Object:         id,
		Name:           name,
		Writable:       writable,
		Platform:       platform,
		UniqueID:       uid,
		EntityID:       naming.ImportedEntityID(string(platform), iam.Instance, id.Type, id.Instance),
		ProcessID:      naming.COVProcessID(uid),
		State:          StateUnsubscribed,
		backoff:        m.newBackoff(),
	}
	if v, err := m.opts.Client.ReadProperty(rctx, iam, id, bacnet.PropertyPresentValue); err == nil {
		p.Value = v
		p.LastUpdate = m.opts.Now()
	}

	if m.opts.Registry != nil {
		row, err := m.opts.Registry.EnsureImported(ctx, m.opts.EntryID, ImportedEntity{
			UniqueID:       uid,
			EntityID:       p.EntityID,
			Platform:       platform,
			ClientInstance: iam.Instance,
			Object:         id,
			Name:           name,
		})
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", uid, err)
		}
		p.Enabled = row.Enabled
		if row.EntityID != "" {
			p.EntityID = row.EntityID
		}
	}

	m.mu.Lock()
	c, ok := m.clients[iam.Instance]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("client %d vanished", iam.Instance)
	}
	c.points[id] = p
	m.byUID[uid] = p
	view := p.view()
	m.mu.Unlock()

	if m.opts.Sink != nil {
		if err := m.opts.Sink.PublishPoint(ctx, view); err != nil {
			m.log().Warn("imported entity publish failed", "point", uid, "error", err)
		}
		if err := m.opts.Sink.PublishPointValue(ctx, view); err != nil {
			m.log().Debug("imported value publish failed", "point", uid, "error", err)
		}
	}
	m.log().Info("point imported", "client_id", p.ClientID, "point", id.String(), "platform", string(platform), "writable", writable)
	return p, nil
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ResubscribeInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.opts.ResubscribeMax
	b.Reset()
	return b
}

// ageClients marks clients unseen for too long as stale and loses their points.
//
// Returns:
//   - bool: true if any client became stale
func (m *Manager) ageClients(now time.Time) bool {
	limit := staleAfterIntervals * m.opts.RediscoveryInterval

	m.mu.Lock()
	var stale []uint32
	for inst, c := range m.clients {
		if !c.Stale && now.Sub(c.LastSeen) > limit {
			c.Stale = true
			stale = append(stale, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range stale {
		m.log().Warn("remote client stale", "client_id", naming.ClientID(inst))
		m.loseClient(inst, "client stale")
	}
	return len(stale) > 0
}

// points returns every imported point, ordered by client then object.
func (m *Manager) points() []*Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Point, 0, len(m.byUID))
	for _, p := range m.byUID {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePoints)
	return out
}

func comparePoints(a, b *Point) int {
	if c := cmp.Compare(a.ClientInstance, b.ClientInstance); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Object.Type, b.Object.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.Object.Instance, b.Object.Instance)
}

// Clients returns a snapshot of every known client, sorted by instance.
func (m *Manager) Clients() []ClientView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ClientView, 0, len(m.clients))
	for _, c := range m.clients {
		cv := ClientView{
			ID:       c.ID,
			Instance: c.Instance,
			Address:  c.Address.String(),
			Name:     c.Name,
			LastSeen: c.LastSeen,
			Stale:    c.Stale,
		}
		pts := make([]*Point, 0, len(c.points))
		for _, p := range c.points {
			pts = append(pts, p)
		}
		slices.SortFunc(pts, comparePoints)
		for _, p := range pts {
			cv.Points = append(cv.Points, p.view())
		}
		out = append(out, cv)
	}
	slices.SortFunc(out, func(a, b ClientView) int { return cmp.Compare(a.Instance, b.Instance) })
	return out
}

// Point returns a snapshot of one imported point.
func (m *Manager) Point(uniqueID string) (PointView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byUID[uniqueID]
	if !ok {
		return PointView{}, false
	}
	return p.view(), true
}

// Counts returns the number of clients, subscribed points and lost points.
func (m *Manager) Counts() (clients, subscribed, lost int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byUID {
		switch p.State {
		case StateSubscribed:
			subscribed++
		case StateLost, StateResubscribing:
			lost++
		}
	}
	return len(m.clients), subscribed, lost
}

func (m *Manager) reportMetrics() {
	if m.opts.Metrics == nil {
		return
	}
	_, subscribed, lost := m.Counts()
	m.opts.Metrics.SetPointStates(m.opts.EntryID, subscribed, lost)
}

// SetEnabled updates the enabled flag of an imported entity and republishes it.
func (m *Manager) SetEnabled(ctx context.Context, uniqueID string, enabled bool) error {
	m.mu.RLock()
	p, ok := m.byUID[uniqueID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPointNotFound, uniqueID)
	}

	if m.opts.Registry != nil {
		if err := m.opts.Registry.SetImportedEnabled(ctx, m.opts.EntryID, uniqueID, enabled); err != nil {
			return fmt.Errorf("persisting enabled flag: %w", err)
		}
	}

	m.mu.Lock()
	p.Enabled = enabled
	view := p.view()
	m.mu.Unlock()

	if m.opts.Sink != nil {
		if err := m.opts.Sink.PublishPoint(ctx, view); err != nil {
			m.log().Warn("imported entity publish failed", "point", uniqueID, "error", err)
		}
	}
	m.log().Info("imported entity updated", "point", uniqueID, "enabled", enabled)
	return nil
}
