package hub

import (
	"encoding/json"
	"sync"
	"testing"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	topics    []string
	payloads  [][]byte
	retained  []bool
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	p.retained = append(p.retained, retained)
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) last(t *testing.T) HealthSnapshot {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		t.Fatal("nothing published")
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(p.payloads[len(p.payloads)-1], &snap); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	return snap
}

func TestHealthReporterDerivesStatus(t *testing.T) {
	tests := []struct {
		name   string
		source HealthSnapshot
		want   HealthStatus
	}{
		{"healthy", HealthSnapshot{Mappings: 3}, HealthOnline},
		{"cycle error", HealthSnapshot{Reason: "listing entities: boom"}, HealthDegraded},
		{"lost points", HealthSnapshot{LostPoints: 2}, HealthDegraded},
		{"explicit offline", HealthSnapshot{Status: HealthOffline}, HealthOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{connected: true}
			r := NewHealthReporter(HealthReporterConfig{
				EntryID:   "entry-1",
				Publisher: pub,
				Source:    func() HealthSnapshot { return tt.source },
			})
			if err := r.PublishNow(); err != nil {
				t.Fatalf("PublishNow() error: %v", err)
			}
			snap := pub.last(t)
			if snap.Status != tt.want {
				t.Errorf("Status = %q, want %q", snap.Status, tt.want)
			}
			if snap.EntryID != "entry-1" {
				t.Errorf("EntryID = %q, want entry-1", snap.EntryID)
			}
			if pub.topics[0] != HealthTopic("entry-1") || !pub.retained[0] {
				t.Errorf("published to %q retained=%v", pub.topics[0], pub.retained[0])
			}
		})
	}
}

func TestHealthReporterSkipsWhenDisconnected(t *testing.T) {
	pub := &fakePublisher{}
	r := NewHealthReporter(HealthReporterConfig{EntryID: "e", Publisher: pub})
	if err := r.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error: %v", err)
	}
	if len(pub.payloads) != 0 {
		t.Errorf("published %d messages while disconnected", len(pub.payloads))
	}
}

func TestHealthReporterStopPublishesOffline(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := NewHealthReporter(HealthReporterConfig{
		EntryID:   "e",
		Publisher: pub,
		Source:    func() HealthSnapshot { return HealthSnapshot{Mappings: 1} },
	})
	r.Start(t.Context())
	waitFor(t, "initial publish", func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.payloads) >= 1
	})
	r.Stop()
	r.Stop()

	snap := pub.last(t)
	if snap.Status != HealthOffline || snap.Reason != "stopped" {
		t.Errorf("final snapshot = %+v, want offline/stopped", snap)
	}
}
