package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the JSON summary served by /api/v1/system.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Entries       EntryMetrics   `json:"entries"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// EntryMetrics totals the hub state across all entries.
type EntryMetrics struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	Mappings         int            `json:"mappings"`
	RemoteClients    int            `json:"remote_clients"`
	SubscribedPoints int            `json:"subscribed_points"`
	LostPoints       int            `json:"lost_points"`
}

// handleMetrics serves the Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "metrics collector not configured")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// handleSystem returns runtime and aggregate entry statistics.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Entries: EntryMetrics{ByStatus: make(map[string]int)},
	}

	entries, err := s.controller.Entries(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	for _, e := range entries {
		snap, err := s.controller.Health(e.ID)
		if err != nil {
			continue
		}
		metrics.Entries.Total++
		metrics.Entries.ByStatus[string(snap.Status)]++
		metrics.Entries.Mappings += snap.Mappings
		metrics.Entries.RemoteClients += snap.RemoteClients
		metrics.Entries.SubscribedPoints += snap.SubscribedPoints
		metrics.Entries.LostPoints += snap.LostPoints
	}

	writeJSON(w, http.StatusOK, metrics)
}

