package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
	"github.com/nerrad567/bacnet-hub/internal/hub"
	"github.com/nerrad567/bacnet-hub/internal/mirror"
	"github.com/nerrad567/bacnet-hub/internal/remote"
	"github.com/nerrad567/bacnet-hub/internal/store"
)

// Logger is the logging interface shared by every runtime component.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EntrySource reads and updates stored configuration entries.
// store.SQLiteEntryRepository satisfies it.
type EntrySource interface {
	List(ctx context.Context) ([]store.Entry, error)
	Get(ctx context.Context, id string) (*store.Entry, error)
	UpdateLabels(ctx context.Context, id string, labels []string) error
}

// Publisher is the MQTT surface used by the mirror and the health reporter.
type Publisher interface {
	mirror.Publisher
	IsConnected() bool
}

// Metrics receives hub and remote measurements for every entry.
type Metrics interface {
	hub.Metrics
	remote.Metrics
	Forget(entryID string)
}

// StackFactory builds the BACnet stack for one entry.
type StackFactory func(entry store.Entry) (bacnet.Stack, error)

// RemoteSettings configures remote discovery for every entry.
type RemoteSettings struct {
	Enabled             bool
	DiscoveryTimeout    time.Duration
	RediscoveryInterval time.Duration
	PointScanLimit      int
	Lease               time.Duration
	ResubscribeInitial  time.Duration
	ResubscribeMax      time.Duration
}

// Options configures a Supervisor.
type Options struct {
	Entries  EntrySource
	Imported remote.Registry
	Platform homeassistant.Platform
	NewStack StackFactory

	// Debounce is the scheduler quiet period. Zero takes the hub default.
	Debounce time.Duration

	Remote RemoteSettings

	// HealthInterval overrides the health publish cadence.
	HealthInterval time.Duration

	// BindPolicy overrides the hub's bind retry policy.
	BindPolicy *bacnet.BindPolicy

	// Optional collaborators.
	Publisher Publisher
	History   hub.HistoryWriter
	Metrics   Metrics
	Logger    Logger

	OnChange       func(entryID string, c hub.Change)
	OnCycle        func(r hub.CycleReport)
	OnSubscription func(entryID string, p remote.PointView)
}

// Runtime is the live state of one entry.
type Runtime struct {
	Entry   store.Entry
	Hub     *hub.Hub
	Remote  *remote.Manager
	Exposer *mirror.Exposer

	stack  bacnet.Stack
	health *hub.HealthReporter
}

// Health composes the hub and remote share of the entry health.
func (rt *Runtime) Health() hub.HealthSnapshot {
	snap := rt.Hub.Health()
	if rt.Remote != nil {
		snap.RemoteClients, snap.SubscribedPoints, snap.LostPoints = rt.Remote.Counts()
	}
	return snap
}

// Supervisor owns the runtimes of all configuration entries.
//
// Thread Safety: All exported methods are safe for concurrent use. Start,
// Reload and Stop are serialised.
type Supervisor struct {
	opts Options

	ops      sync.Mutex
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	failures map[string]string
	started  bool

	logger Logger
}

// New validates options and returns a stopped supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Entries == nil {
		return nil, errors.New("entry source is required")
	}
	if opts.Platform == nil {
		return nil, errors.New("platform is required")
	}
	if opts.NewStack == nil {
		return nil, errors.New("stack factory is required")
	}
	s := &Supervisor{
		opts:     opts,
		runtimes: make(map[string]*Runtime),
		failures: make(map[string]string),
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s, nil
}

// Start builds a runtime for every stored entry. A failing entry is logged
// and skipped; only a failure to list entries is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	entries, err := s.opts.Entries.List(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("listing entries: %w", err)
	}
	for _, e := range entries {
		//nolint:errcheck // logged and recorded per entry
		s.launch(ctx, e)
	}
	s.logger.Info("supervisor started", "entries", len(entries), "running", len(s.Runtimes()))
	return nil
}

// Stop tears down every runtime. Retained MQTT discovery configs are kept so
// entities survive a process restart.
func (s *Supervisor) Stop() {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	runtimes := s.runtimes
	s.runtimes = make(map[string]*Runtime)
	s.started = false
	s.mu.Unlock()

	for _, rt := range runtimes {
		s.teardown(context.Background(), rt, false)
	}
	s.logger.Info("supervisor stopped")
}

// Reload rebuilds the runtime of one entry from its stored configuration.
// An empty id selects the sole entry.
//
// Returns:
//   - string: The reloaded entry id
//   - error: ErrEntryIDRequired, ErrEntryNotFound, or the setup error
func (s *Supervisor) Reload(ctx context.Context, entryID string) (string, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	entry, err := s.resolve(ctx, entryID)
	if err != nil {
		return entryID, err
	}

	s.mu.Lock()
	old := s.runtimes[entry.ID]
	delete(s.runtimes, entry.ID)
	s.mu.Unlock()
	if old != nil {
		s.teardown(ctx, old, true)
	}

	if err := s.launch(ctx, *entry); err != nil {
		return entry.ID, err
	}
	s.logger.Info("entry reloaded", "entry_id", entry.ID)
	return entry.ID, nil
}

// Remove tears down an entry's runtime and withdraws everything it exposed.
// The stored entry is left to the caller.
func (s *Supervisor) Remove(ctx context.Context, entryID string) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	rt := s.runtimes[entryID]
	delete(s.runtimes, entryID)
	delete(s.failures, entryID)
	s.mu.Unlock()
	if rt != nil {
		s.teardown(ctx, rt, true)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.Forget(entryID)
	}
}

func (s *Supervisor) resolve(ctx context.Context, entryID string) (*store.Entry, error) {
	if entryID == "" {
		entries, err := s.opts.Entries.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing entries: %w", err)
		}
		switch len(entries) {
		case 0:
			return nil, ErrEntryNotFound
		case 1:
			return &entries[0], nil
		default:
			return nil, ErrEntryIDRequired
		}
	}
	entry, err := s.opts.Entries.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return nil, err
	}
	return entry, nil
}

// launch builds and records a runtime, recording the failure reason when
// setup fails.
func (s *Supervisor) launch(ctx context.Context, e store.Entry) error {
	rt, err := s.build(ctx, e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures[e.ID] = err.Error()
		s.logger.Error("entry setup failed", "entry_id", e.ID, "error", err)
		return err
	}
	delete(s.failures, e.ID)
	s.runtimes[e.ID] = rt
	return nil
}

func (s *Supervisor) build(ctx context.Context, e store.Entry) (*Runtime, error) {
	addr, err := bacnet.ResolveBindAddress(e.Address)
	if err != nil {
		return nil, err
	}
	stack, err := s.opts.NewStack(e)
	if err != nil {
		return nil, fmt.Errorf("creating stack: %w", err)
	}

	rt := &Runtime{Entry: e, stack: stack}
	var h *hub.Hub

	hubOpts := hub.Options{
		EntryID: e.ID,
		Device: bacnet.DeviceConfig{
			Instance:    e.Instance,
			Address:     addr,
			ObjectName:  e.ObjectName,
			Description: e.Description,
		},
		Labels:     e.Labels,
		Debounce:   s.opts.Debounce,
		Stack:      stack,
		Platform:   s.opts.Platform,
		BindPolicy: s.opts.BindPolicy,
		History:    s.opts.History,
		Logger:     s.logger,
		OnCycle:    s.opts.OnCycle,
	}
	if s.opts.Metrics != nil {
		hubOpts.Metrics = s.opts.Metrics
	}
	if s.opts.OnChange != nil {
		hubOpts.OnChange = func(c hub.Change) { s.opts.OnChange(e.ID, c) }
	}

	if s.opts.Publisher != nil {
		rt.Exposer, err = mirror.New(mirror.Options{
			EntryID:    e.ID,
			DeviceName: e.Title,
			Publisher:  s.opts.Publisher,
			QoS:        1,
			Logger:     s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating mirror: %w", err)
		}
		hubOpts.Sink = rt.Exposer
	}

	if s.opts.Remote.Enabled {
		remoteOpts := remote.Options{
			EntryID:             e.ID,
			LocalInstance:       e.Instance,
			Client:              stack,
			Registry:            s.opts.Imported,
			History:             s.opts.History,
			Logger:              s.logger,
			DiscoveryTimeout:    s.opts.Remote.DiscoveryTimeout,
			RediscoveryInterval: s.opts.Remote.RediscoveryInterval,
			PointScanLimit:      s.opts.Remote.PointScanLimit,
			Lease:               s.opts.Remote.Lease,
			ResubscribeInitial:  s.opts.Remote.ResubscribeInitial,
			ResubscribeMax:      s.opts.Remote.ResubscribeMax,
			OnLiveness: func() {
				if h != nil {
					h.Trigger(hub.EventRemoteLiveness)
				}
			},
		}
		if rt.Exposer != nil {
			remoteOpts.Sink = rt.Exposer
		}
		if s.opts.Metrics != nil {
			remoteOpts.Metrics = s.opts.Metrics
		}
		if s.opts.OnSubscription != nil {
			remoteOpts.OnSubscription = func(p remote.PointView) { s.opts.OnSubscription(e.ID, p) }
		}
		rt.Remote, err = remote.NewManager(remoteOpts)
		if err != nil {
			return nil, fmt.Errorf("creating remote manager: %w", err)
		}
		hubOpts.Remote = rt.Remote
	}

	h, err = hub.New(hubOpts)
	if err != nil {
		return nil, err
	}
	rt.Hub = h

	if err := h.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting hub: %w", err)
	}

	if rt.Remote != nil {
		if err := rt.Remote.Start(); err != nil {
			h.Stop()
			return nil, fmt.Errorf("starting remote manager: %w", err)
		}
		if rt.Exposer != nil {
			if err := rt.Exposer.Attach(rt.Remote); err != nil {
				s.logger.Warn("command topics unavailable", "entry_id", e.ID, "error", err)
			}
		}
	}

	if s.opts.Publisher != nil {
		rt.health = hub.NewHealthReporter(hub.HealthReporterConfig{
			EntryID:   e.ID,
			Interval:  s.opts.HealthInterval,
			Publisher: s.opts.Publisher,
			Source:    rt.Health,
		})
		rt.health.SetLogger(s.logger)
		rt.health.Start(context.Background())
	}
	return rt, nil
}

// teardown stops a runtime's components in reverse order of start. purge
// also withdraws every retained discovery config the runtime published.
func (s *Supervisor) teardown(ctx context.Context, rt *Runtime, purge bool) {
	if rt.health != nil {
		rt.health.Stop()
	}
	if rt.Exposer != nil {
		if err := rt.Exposer.Detach(); err != nil {
			s.logger.Debug("detaching command topics", "entry_id", rt.Entry.ID, "error", err)
		}
	}
	if rt.Remote != nil {
		rt.Remote.Stop()
	}
	rt.Hub.Stop()
	if purge && rt.Exposer != nil {
		rt.Exposer.RemoveAll(ctx)
	}
}

// Runtime returns the live runtime of an entry.
func (s *Supervisor) Runtime(entryID string) (*Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.runtimes[entryID]
	return rt, ok
}

// Runtimes returns every live runtime ordered by entry id.
func (s *Supervisor) Runtimes() []*Runtime {
	s.mu.RLock()
	out := make([]*Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, rt)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Runtime) int { return strings.Compare(a.Entry.ID, b.Entry.ID) })
	return out
}

// Health returns the health of an entry. An entry whose setup failed reports
// offline with the failure reason.
func (s *Supervisor) Health(entryID string) (hub.HealthSnapshot, error) {
	s.mu.RLock()
	rt, ok := s.runtimes[entryID]
	reason, failed := s.failures[entryID]
	s.mu.RUnlock()

	switch {
	case ok:
		snap := rt.Health()
		if snap.Status == "" {
			switch {
			case snap.Reason != "", snap.LostPoints > 0:
				snap.Status = hub.HealthDegraded
			default:
				snap.Status = hub.HealthOnline
			}
		}
		snap.Timestamp = time.Now().UTC()
		return snap, nil
	case failed:
		return hub.HealthSnapshot{
			EntryID:   entryID,
			Status:    hub.HealthOffline,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		}, nil
	default:
		return hub.HealthSnapshot{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
}

// Entries returns the stored entries.
func (s *Supervisor) Entries(ctx context.Context) ([]store.Entry, error) {
	return s.opts.Entries.List(ctx)
}

// UpdateLabels persists a new label set and applies it to the live hub.
func (s *Supervisor) UpdateLabels(ctx context.Context, entryID string, labels []string) error {
	if err := s.opts.Entries.UpdateLabels(ctx, entryID, labels); err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return err
	}
	rt, ok := s.Runtime(entryID)
	if !ok {
		return nil
	}
	return rt.Hub.SetLabels(ctx, store.NormalizeLabels(labels))
}

// SetImportedEnabled enables or disables an imported remote point.
func (s *Supervisor) SetImportedEnabled(ctx context.Context, entryID, uniqueID string, enabled bool) error {
	rt, ok := s.Runtime(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, entryID)
	}
	if rt.Remote == nil {
		return ErrRemoteDisabled
	}
	return rt.Remote.SetEnabled(ctx, uniqueID, enabled)
}

// Mappings returns the mapping table of a running entry.
func (s *Supervisor) Mappings(entryID string) ([]hub.Mapping, error) {
	rt, ok := s.Runtime(entryID)
	if !ok {
		return nil, s.notRunning(entryID)
	}
	return rt.Hub.Mappings(), nil
}

// RemoteClients returns the discovered remote devices of a running entry
// with their points and subscription states.
func (s *Supervisor) RemoteClients(entryID string) ([]remote.ClientView, error) {
	rt, ok := s.Runtime(entryID)
	if !ok {
		return nil, s.notRunning(entryID)
	}
	if rt.Remote == nil {
		return nil, ErrRemoteDisabled
	}
	return rt.Remote.Clients(), nil
}

// notRunning distinguishes an entry whose setup failed from an unknown one.
func (s *Supervisor) notRunning(entryID string) error {
	s.mu.RLock()
	_, failed := s.failures[entryID]
	s.mu.RUnlock()
	if failed {
		return fmt.Errorf("%w: %s", ErrNotRunning, entryID)
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}
