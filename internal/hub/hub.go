package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
	"github.com/nerrad567/bacnet-hub/internal/naming"
)

// serviceCallTimeout bounds one fire-and-forget service call.
const serviceCallTimeout = 10 * time.Second

// Metrics receives engine measurements. The metrics package satisfies it.
type Metrics interface {
	ObserveCycle(entryID string, d time.Duration, created, updated, retired int)
	SetMappings(entryID string, n int)
	ObserveWrite(entryID string, accepted bool)
}

// DiscoveryTrigger asks the remote manager for an out-of-cadence discovery pass.
type DiscoveryTrigger interface {
	RequestDiscovery()
}

// CycleReport describes one completed reconciliation.
type CycleReport struct {
	EntryID  string        `json:"entry_id"`
	Kinds    []EventKind   `json:"kinds"`
	Events   int           `json:"events"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Retired  int           `json:"retired"`
	Swept    int           `json:"swept"`
	Mappings int           `json:"mappings"`
	Error    string        `json:"error,omitempty"`
}

// Options configures a Hub.
type Options struct {
	// EntryID identifies the configuration entry this hub serves.
	EntryID string

	// Device is the local virtual device.
	Device bacnet.DeviceConfig

	// Labels is the selected label set.
	Labels []string

	// Debounce is the quiet period before reconciliation. Default: 2s.
	Debounce time.Duration

	// Stack hosts the published objects.
	Stack bacnet.ObjectServer

	// Platform provides registries, events and service calls.
	Platform homeassistant.Platform

	// BindPolicy overrides the default bind retry policy.
	BindPolicy *bacnet.BindPolicy

	// Optional collaborators.
	Sink     MirrorSink
	History  HistoryWriter
	Metrics  Metrics
	Remote   DiscoveryTrigger
	Logger   Logger
	OnChange func(Change)
	OnCycle  func(CycleReport)
	OnEvent  func(SyncEvent)
}

// Hub is the runtime for one configuration entry: a bound virtual device,
// its mapping table and the scheduler loop that keeps both in sync.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Hub struct {
	opts      Options
	hubKey    string
	manager   *Manager
	mirror    *Mirror
	writeback *Writeback
	scheduler *Scheduler

	mu        sync.RWMutex
	started   bool
	running   bool
	lastCycle CycleReport
	unsubs    []func()

	ctx       context.Context //nolint:containedctx // hub lifetime context for fire-and-forget calls
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// New validates options and builds a stopped hub.
//
// Parameters:
//   - opts: Hub configuration and collaborators
//
// Returns:
//   - *Hub: Ready to Start
//   - error: If a required option is missing or invalid
func New(opts Options) (*Hub, error) {
	if opts.EntryID == "" {
		return nil, fmt.Errorf("entry id is required")
	}
	if opts.Stack == nil {
		return nil, fmt.Errorf("stack is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("platform is required")
	}
	if err := bacnet.ValidateInstance(int(opts.Device.Instance)); err != nil {
		return nil, err
	}

	h := &Hub{
		opts:   opts,
		hubKey: naming.HubKey(opts.Device.Instance, opts.Device.Address.String()),
		logger: opts.Logger,
	}
	if h.logger == nil {
		h.logger = noopLogger{}
	}

	manager, err := NewManager(ManagerOptions{
		HubKey: h.hubKey,
		Stack:  opts.Stack,
		Sink:   opts.Sink,
		Logger: h.logger,
	})
	if err != nil {
		return nil, err
	}
	manager.labels = slices.Clone(opts.Labels)
	h.manager = manager

	h.mirror = &Mirror{
		hubKey:  h.hubKey,
		table:   manager.Table(),
		stack:   opts.Stack,
		sink:    opts.Sink,
		history: opts.History,
		logger:  h.log,
	}
	h.writeback = &Writeback{
		table:    manager.Table(),
		services: opts.Platform,
		dispatch: h.dispatch,
		logger:   h.log,
	}
	h.scheduler = NewScheduler(opts.Debounce, h.cycle)
	return h, nil
}

// SetLogger replaces the logger for the hub and its manager.
func (h *Hub) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
	h.manager.SetLogger(logger)
}

func (h *Hub) log() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

// EntryID returns the configuration entry id.
func (h *Hub) EntryID() string {
	return h.opts.EntryID
}

// HubKey returns the identity embedded in published unique IDs.
func (h *Hub) HubKey() string {
	return h.hubKey
}

// Start binds the virtual device, installs the write handler, subscribes to
// platform events and starts the scheduler. The startup reconciliation runs
// immediately.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	h.mu.Unlock()

	policy := bacnet.DefaultBindPolicy()
	if h.opts.BindPolicy != nil {
		policy = *h.opts.BindPolicy
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, wait time.Duration) {
			h.log().Warn("bind failed, retrying", "address", h.opts.Device.Address.String(), "wait", wait, "error", err)
		}
	}
	if err := bacnet.BindWithRetry(ctx, h.opts.Stack, h.opts.Device, policy); err != nil {
		h.mu.Lock()
		h.started = false
		h.mu.Unlock()
		return err
	}

	h.ctx, h.ctxCancel = context.WithCancel(context.Background())
	h.opts.Stack.SetWriteHandler(h.handleWrite)

	unsubState, err := h.opts.Platform.SubscribeStateChanges(ctx, h.onStateChange)
	if err != nil {
		h.abortStart()
		return fmt.Errorf("subscribing to state changes: %w", err)
	}
	unsubRegistry, err := h.opts.Platform.SubscribeRegistryChanges(ctx, h.onRegistryEvent)
	if err != nil {
		unsubState()
		h.abortStart()
		return fmt.Errorf("subscribing to registry changes: %w", err)
	}
	h.mu.Lock()
	h.unsubs = []func(){unsubState, unsubRegistry}
	h.mu.Unlock()

	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.scheduler.Run(h.ctx)
	}()

	h.log().Info("hub started",
		"entry_id", h.opts.EntryID,
		"instance", h.opts.Device.Instance,
		"address", h.opts.Device.Address.String(),
	)
	return nil
}

func (h *Hub) abortStart() {
	h.opts.Stack.SetWriteHandler(nil)
	h.ctxCancel()
	if err := h.opts.Stack.Close(); err != nil {
		h.log().Debug("stack close after failed start", "error", err)
	}
	h.mu.Lock()
	h.started = false
	h.mu.Unlock()
}

// Stop cancels the scheduler and in-flight service calls, drops event
// subscriptions and releases the bound device. Safe to call more than once.
// A stopped hub cannot be restarted; build a new one.
func (h *Hub) Stop() {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	h.stopOnce.Do(func() {
		h.mu.Lock()
		unsubs := h.unsubs
		h.unsubs = nil
		h.running = false
		h.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}

		h.opts.Stack.SetWriteHandler(nil)
		h.ctxCancel()
		h.wg.Wait()

		if err := h.opts.Stack.Close(); err != nil {
			h.log().Warn("releasing virtual device failed", "error", err)
		}
		h.log().Info("hub stopped", "entry_id", h.opts.EntryID)
	})
}

// Trigger enqueues a sync event.
func (h *Hub) Trigger(kind EventKind) {
	if h.opts.OnEvent != nil {
		h.opts.OnEvent(SyncEvent{Kind: kind, At: time.Now()})
	}
	h.scheduler.Enqueue(kind)
}

// SetLabels replaces the selected label set. A changed set resets the
// per-type instance counters and triggers a reconciliation.
func (h *Hub) SetLabels(ctx context.Context, labels []string) error {
	return h.serialized(ctx, func() {
		if h.manager.SetLabels(labels) && h.Running() {
			h.Trigger(EventLabelChanged)
		}
	})
}

// Labels returns the selected label set.
func (h *Hub) Labels() []string {
	var out []string
	_ = h.serialized(context.Background(), func() { out = h.manager.Labels() }) //nolint:errcheck // background context never cancels
	return out
}

// serialized runs fn on the scheduler loop while the hub runs, else inline.
func (h *Hub) serialized(ctx context.Context, fn func()) error {
	if h.Running() {
		err := h.scheduler.Submit(ctx, func(context.Context) error {
			fn()
			return nil
		})
		if !errors.Is(err, ErrSchedulerStopped) {
			return err
		}
	}
	fn()
	return nil
}

// Mappings returns the mapping table sorted by object.
func (h *Hub) Mappings() []Mapping {
	return h.manager.Table().List()
}

// LastCycle returns the most recent cycle report.
func (h *Hub) LastCycle() CycleReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCycle
}

// Running reports whether the scheduler loop is serving the hub.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) onStateChange(sc homeassistant.StateChange) {
	if sc.Old == nil || sc.New == nil {
		h.Trigger(EventRegistryChanged)
	}
	if sc.New == nil {
		return
	}
	state := *sc.New
	h.scheduler.Post(func(ctx context.Context) {
		if res := h.mirror.Apply(ctx, state); res.Reshape {
			h.log().Debug("entity shape changed", "entity_id", state.EntityID)
			h.Trigger(EventRegistryChanged)
		}
	})
}

func (h *Hub) onRegistryEvent(ev homeassistant.RegistryEvent) {
	switch ev.Kind {
	case homeassistant.RegistryLabel:
		h.Trigger(EventLabelChanged)
	case homeassistant.RegistryArea:
		h.Trigger(EventAreaChanged)
	default:
		h.Trigger(EventRegistryChanged)
	}
}

// handleWrite is the stack's write hook. It runs the decision on the
// scheduler so it observes a consistent mapping table.
func (h *Hub) handleWrite(ctx context.Context, req bacnet.WriteRequest) error {
	err := h.scheduler.Submit(ctx, func(ctx context.Context) error {
		return h.writeback.Handle(ctx, req)
	})
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveWrite(h.opts.EntryID, err == nil)
	}
	if err != nil && !errors.Is(err, bacnet.ErrWriteAccessDenied) {
		return fmt.Errorf("%w: %w", bacnet.ErrWriteAccessDenied, err)
	}
	return err
}

// dispatch invokes a service without waiting for the platform to confirm.
func (h *Hub) dispatch(call ServiceCall) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, serviceCallTimeout)
		defer cancel()
		if err := h.opts.Platform.CallService(ctx, call.Domain, call.Service, call.Data); err != nil {
			h.log().Error("service call failed",
				"service", call.Domain+"."+call.Service,
				"entity_id", call.Data["entity_id"],
				"error", err,
			)
		}
	}()
}

// cycle is one reconciliation: snapshot registries, resolve labels,
// reconcile the table, then refresh every mapped value.
func (h *Hub) cycle(ctx context.Context, batch Batch) {
	start := time.Now()
	report := CycleReport{
		EntryID: h.opts.EntryID,
		Kinds:   batch.KindList(),
		Events:  batch.Events,
		Started: start,
	}

	ix, err := BuildIndex(ctx, h.opts.Platform)
	if err != nil {
		report.Error = err.Error()
		h.log().Warn("registry snapshot failed, cycle skipped", "error", err)
		h.finishCycle(report, start)
		return
	}

	candidates := ix.ResolveByLabel(h.manager.Labels())
	res, err := h.manager.Reconcile(ctx, candidates)
	if err != nil {
		report.Error = err.Error()
		h.log().Warn("reconciliation incomplete", "error", err)
	}
	for _, c := range candidates {
		h.mirror.Apply(ctx, c.State)
	}

	report.Created = res.Created
	report.Updated = res.Updated
	report.Retired = res.Retired
	report.Swept = res.Swept

	if h.opts.OnChange != nil {
		for _, ch := range res.Changes {
			h.opts.OnChange(ch)
		}
	}
	if batch.Has(EventRemoteLiveness) && h.opts.Remote != nil {
		h.opts.Remote.RequestDiscovery()
	}
	h.finishCycle(report, start)
}

func (h *Hub) finishCycle(report CycleReport, start time.Time) {
	report.Duration = time.Since(start)
	report.Mappings = h.manager.Table().Len()

	h.mu.Lock()
	h.lastCycle = report
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveCycle(h.opts.EntryID, report.Duration, report.Created, report.Updated, report.Retired)
		h.opts.Metrics.SetMappings(h.opts.EntryID, report.Mappings)
	}
	if h.opts.OnCycle != nil {
		h.opts.OnCycle(report)
	}
	h.log().Debug("sync cycle complete",
		"entry_id", h.opts.EntryID,
		"kinds", fmt.Sprint(report.Kinds),
		"events", report.Events,
		"created", report.Created,
		"updated", report.Updated,
		"retired", report.Retired,
		"mappings", report.Mappings,
		"duration_ms", report.Duration.Milliseconds(),
	)
}

// Health returns the hub's share of the entry health snapshot.
func (h *Hub) Health() HealthSnapshot {
	last := h.LastCycle()
	snap := HealthSnapshot{
		EntryID:           h.opts.EntryID,
		Mappings:          h.manager.Table().Len(),
		LastCycle:         last.Started,
		LastCycleDuration: last.Duration.Milliseconds(),
	}
	switch {
	case !h.Running():
		snap.Status = HealthOffline
	case last.Error != "":
		snap.Reason = last.Error
	}
	return snap
}
