package definitions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// Scheduler keeps cron entries in step with stored definitions.
type Scheduler interface {
	Validate(expr string) error
	Schedule(def Definition) error
	Unschedule(id string)
}

// Publisher receives entity events.
type Publisher interface {
	Publish(evt events.Event)
}

// Handler exposes HTTP endpoints for discovery definitions.
type Handler struct {
	store     *Store
	scheduler Scheduler
	publisher Publisher
}

// NewHandler creates a definitions API handler.
func NewHandler(store *Store, scheduler Scheduler, publisher Publisher) *Handler {
	return &Handler{store: store, scheduler: scheduler, publisher: publisher}
}

type definitionRequest struct {
	Name          string                 `json:"name"`
	NetworkID     string                 `json:"network_id"`
	DaemonID      string                 `json:"daemon_id"`
	DiscoveryType protocol.DiscoveryType `json:"discovery_type"`
	RunType       RunType                `json:"run_type"`
}

func (req definitionRequest) definition() Definition {
	return Definition{
		Name:          strings.TrimSpace(req.Name),
		NetworkID:     strings.TrimSpace(req.NetworkID),
		DaemonID:      strings.TrimSpace(req.DaemonID),
		DiscoveryType: req.DiscoveryType,
		RunType: RunType{
			Kind:    req.RunType.Kind,
			Cron:    strings.TrimSpace(req.RunType.Cron),
			Enabled: req.RunType.Enabled,
		},
	}
}

// HandleList serves GET /api/discovery/definitions.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Kind:      strings.TrimSpace(q.Get("type")),
		DaemonID:  strings.TrimSpace(q.Get("daemon_id")),
		NetworkID: strings.TrimSpace(q.Get("network_id")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	defs, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// HandleCreate serves POST /api/discovery/definitions.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	def := req.definition()
	if def.RunType.Kind == RunKindHistorical {
		writeError(w, http.StatusBadRequest, "invalid_definition", "historical definitions cannot be created through the API")
		return
	}
	if def.RunType.Kind == RunKindScheduled {
		if err := h.scheduler.Validate(def.RunType.Cron); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
	}

	created, err := h.store.Create(r.Context(), def)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_definition", err.Error())
		return
	}
	h.sync(created)
	h.publish(events.DefinitionCreated, created, "definition created")

	writeJSON(w, http.StatusCreated, created)
}

// HandleGet serves GET /api/discovery/definitions/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	def, err := h.store.Get(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "definition not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleUpdate serves PUT /api/discovery/definitions/{id}. Scheduled definitions
// are rescheduled explicitly after the write.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var req definitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	def := req.definition()
	def.ID = id
	if def.RunType.Kind == RunKindScheduled {
		if err := h.scheduler.Validate(def.RunType.Cron); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
	}

	updated, err := h.store.Update(r.Context(), def)
	if err != nil {
		switch {
		case IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "definition not found")
		case errors.Is(err, ErrHistoricalImmutable):
			writeError(w, http.StatusConflict, "historical_immutable", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid_definition", err.Error())
		}
		return
	}
	h.sync(updated)
	h.publish(events.DefinitionUpdated, updated, "definition updated")

	writeJSON(w, http.StatusOK, updated)
}

// HandleDelete serves DELETE /api/discovery/definitions/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := h.store.Delete(r.Context(), id); err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "definition not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	h.scheduler.Unschedule(id)
	h.publish(events.DefinitionDeleted, &Definition{ID: id}, "definition deleted")

	w.WriteHeader(http.StatusNoContent)
}

// sync registers or removes the cron entry. A registration failure has already
// disabled the definition in storage, so it is not surfaced to the caller.
func (h *Handler) sync(def *Definition) {
	if def.IsScheduled() {
		_ = h.scheduler.Schedule(*def)
		return
	}
	h.scheduler.Unschedule(def.ID)
}

func (h *Handler) publish(typ events.EventType, def *Definition, summary string) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(events.Event{
		Type:         typ,
		DefinitionID: def.ID,
		DaemonID:     def.DaemonID,
		Summary:      summary,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}
