package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bacnet-hub/internal/audit"
	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/hub"
	"github.com/nerrad567/bacnet-hub/internal/naming"
	"github.com/nerrad567/bacnet-hub/internal/store"
)

// Overall health values.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// healthCheckTimeout bounds each dependency check of the health endpoint.
const healthCheckTimeout = 2 * time.Second

// entryView is an entry with its current health.
type entryView struct {
	store.Entry
	Health hub.HealthSnapshot `json:"health"`
}

// mappingView is the read-only row of the mapping table.
type mappingView struct {
	Object       bacnet.ObjectID    `json:"object"`
	ObjectName   string             `json:"object_name"`
	UniqueID     string             `json:"unique_id"`
	EntityID     string             `json:"entity_id"`
	SuggestedID  string             `json:"suggested_object_id"`
	Attribute    string             `json:"attribute,omitempty"`
	FriendlyName string             `json:"friendly_name,omitempty"`
	Units        string             `json:"units,omitempty"`
	StateText    []string           `json:"state_text,omitempty"`
	Writable     bool               `json:"writable"`
	WriteAction  hub.WriteAction    `json:"write_action,omitempty"`
	State        hub.LifecycleState `json:"state"`
	Provenance   []hub.Provenance   `json:"provenance"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func newMappingView(m hub.Mapping) mappingView {
	return mappingView{
		Object:       m.Object,
		ObjectName:   m.ObjectName,
		UniqueID:     m.UniqueID,
		EntityID:     m.Spec.EntityID,
		SuggestedID:  naming.SuggestedObjectID(m.Object.Type, m.Object.Instance),
		Attribute:    m.Spec.SourceAttr,
		FriendlyName: m.Spec.FriendlyName,
		Units:        m.Spec.UnitText,
		StateText:    m.Spec.StateText,
		Writable:     m.Spec.Writable,
		WriteAction:  m.Spec.WriteAction,
		State:        m.State,
		Provenance:   m.Provenance,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// handleHealth reports every entry and every dependency. It never requires
// auth so supervisors and container probes can poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthOK

	entries, err := s.controller.Entries(r.Context())
	if err != nil {
		s.logger.Warn("health: listing entries failed", "error", err)
		status = healthDegraded
	}
	snaps := make([]hub.HealthSnapshot, 0, len(entries))
	for _, e := range entries {
		snap, err := s.controller.Health(e.ID)
		if err != nil {
			continue
		}
		if snap.Status != hub.HealthOnline {
			status = healthDegraded
		}
		snaps = append(snaps, snap)
	}

	checks := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if c == nil {
			checks[name] = "disabled"
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = healthDegraded
			continue
		}
		checks[name] = healthOK
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"entries": snaps,
		"checks":  checks,
	})
}

// handleListEntries lists the configuration entries with their health.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.controller.Entries(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.entryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"count":   len(out),
	})
}

// handleGetEntry returns one entry with its health.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.controller.Entries(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	for _, e := range entries {
		if e.ID == id {
			writeJSON(w, http.StatusOK, s.entryView(e))
			return
		}
	}
	writeNotFound(w, "entry not found: "+id)
}

func (s *Server) entryView(e store.Entry) entryView {
	v := entryView{Entry: e}
	if snap, err := s.controller.Health(e.ID); err == nil {
		v.Health = snap
	}
	return v
}

// handleListMappings returns the mapping table of a running entry.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mappings, err := s.controller.Mappings(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]mappingView, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, newMappingView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": id,
		"mappings": out,
		"count":    len(out),
	})
}

// handleListRemote returns the remote clients of a running entry.
func (s *Server) handleListRemote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	clients, err := s.controller.RemoteClients(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": id,
		"clients":  clients,
		"count":    len(clients),
	})
}

type reloadRequest struct {
	EntryID string `json:"entry_id"`
}

// handleReload tears an entry down and sets it up again. An empty body
// reloads the sole entry.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, err := s.controller.Reload(r.Context(), req.EntryID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("entry reloaded via API", "entry_id", id)
	s.recordAudit(r, audit.Record{Action: audit.ActionReload, EntryID: id})
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": id,
		"status":   "reloaded",
	})
}

type setImportedRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleSetImported enables or disables an imported remote point.
func (s *Server) handleSetImported(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	uid := chi.URLParam(r, "unique_id")

	var req setImportedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		writeBadRequest(w, "enabled is required")
		return
	}

	if err := s.controller.SetImportedEnabled(r.Context(), id, uid, *req.Enabled); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.recordAudit(r, audit.Record{
		Action:  audit.ActionImportedSet,
		EntryID: id,
		Target:  uid,
		Details: map[string]any{"enabled": *req.Enabled},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":  id,
		"unique_id": uid,
		"enabled":   *req.Enabled,
	})
}

type updateLabelsRequest struct {
	Labels []string `json:"labels"`
}

// handleUpdateLabels replaces the selection labels of an entry. The new set
// is persisted and applied to the live hub.
func (s *Server) handleUpdateLabels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateLabelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	labels := store.NormalizeLabels(req.Labels)
	if len(labels) == 0 {
		writeBadRequest(w, "at least one label is required")
		return
	}

	if err := s.controller.UpdateLabels(r.Context(), id, labels); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.recordAudit(r, audit.Record{
		Action:  audit.ActionLabels,
		EntryID: id,
		Details: map[string]any{"labels": labels},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": id,
		"labels":   labels,
	})
}
