package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// HealthStatus is the reported state of an entry runtime.
type HealthStatus string

// Health states.
const (
	HealthOnline   HealthStatus = "online"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthTopic returns the retained health topic for an entry.
func HealthTopic(entryID string) string {
	return "bacnethub/health/" + entryID
}

// HealthSnapshot is the published health payload.
type HealthSnapshot struct {
	EntryID           string       `json:"entry_id"`
	Status            HealthStatus `json:"status"`
	Reason            string       `json:"reason,omitempty"`
	Mappings          int          `json:"mappings"`
	LastCycle         time.Time    `json:"last_cycle,omitzero"`
	LastCycleDuration int64        `json:"last_cycle_duration_ms"`
	RemoteClients     int          `json:"remote_clients"`
	SubscribedPoints  int          `json:"subscribed_points"`
	LostPoints        int          `json:"lost_points"`
	Timestamp         time.Time    `json:"timestamp"`
}

// HealthPublisher publishes health messages. The MQTT client satisfies it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	EntryID string

	// Interval is how often to publish. Default: 30s.
	Interval time.Duration

	Publisher HealthPublisher

	// Source returns the current counters. Status is derived by the reporter.
	Source func() HealthSnapshot
}

// HealthReporter publishes entry health periodically and once on stop.
type HealthReporter struct {
	entryID   string
	interval  time.Duration
	publisher HealthPublisher
	source    func() HealthSnapshot

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin publishing.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultHealthInterval
	}
	return &HealthReporter{
		entryID:   cfg.EntryID,
		interval:  interval,
		publisher: cfg.Publisher,
		source:    cfg.Source,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (r *HealthReporter) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (r *HealthReporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop ends reporting and publishes a final offline status.
// Safe to call multiple times.
func (r *HealthReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		snap := r.snapshot()
		snap.Status = HealthOffline
		snap.Reason = "stopped"
		//nolint:errcheck // Best-effort during shutdown
		r.publish(snap)
	})
}

// PublishNow publishes the current health immediately.
func (r *HealthReporter) PublishNow() error {
	return r.publish(r.snapshot())
}

func (r *HealthReporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.PublishNow(); err != nil {
		r.logError("failed to publish initial health", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.PublishNow(); err != nil {
				r.logError("failed to publish health", err)
			}
		}
	}
}

// snapshot reads the source and derives the status.
func (r *HealthReporter) snapshot() HealthSnapshot {
	var snap HealthSnapshot
	if r.source != nil {
		snap = r.source()
	}
	snap.EntryID = r.entryID
	snap.Timestamp = time.Now().UTC()

	if snap.Status == "" {
		switch {
		case snap.Reason != "":
			snap.Status = HealthDegraded
		case snap.LostPoints > 0:
			snap.Status = HealthDegraded
			snap.Reason = "remote points lost"
		default:
			snap.Status = HealthOnline
		}
	}
	return snap
}

func (r *HealthReporter) publish(snap HealthSnapshot) error {
	if r.publisher == nil || !r.publisher.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.publisher.Publish(HealthTopic(r.entryID), payload, 1, true)
}

func (r *HealthReporter) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
