package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// DaemonAuthorizer checks that a key may act for a daemon and records presence.
type DaemonAuthorizer interface {
	Authorize(ctx context.Context, key *daemons.APIKey, daemonID string) (*daemons.Daemon, error)
	Touch(ctx context.Context, id string, presence protocol.DaemonPresence) error
}

// DefinitionGetter resolves stored definitions for start-session.
type DefinitionGetter interface {
	Get(ctx context.Context, id string) (*definitions.Definition, error)
}

// Handler exposes the discovery session HTTP endpoints.
type Handler struct {
	manager     *Manager
	daemons     DaemonAuthorizer
	definitions DefinitionGetter
	logger      *zap.Logger
}

// NewHandler creates a discovery API handler.
func NewHandler(manager *Manager, daemonStore DaemonAuthorizer, defs DefinitionGetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:     manager,
		daemons:     daemonStore,
		definitions: defs,
		logger:      logger.Named("discovery-api"),
	}
}

// HandleRequestWork serves POST /api/daemons/{id}/request-work. The poll also
// counts as a heartbeat.
func (h *Handler) HandleRequestWork(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	d, err := h.daemons.Authorize(r.Context(), daemons.FromContext(r.Context()), id)
	if err != nil {
		daemons.WriteAuthorizeError(w, err)
		return
	}

	var presence protocol.DaemonPresence
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&presence); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if err := h.daemons.Touch(r.Context(), d.ID, presence); err != nil {
		h.logger.Warn("failed to record daemon presence", zap.String("daemon_id", d.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, h.manager.NextWork(r.Context(), d.ID))
}

// HandleUpdate serves POST /api/discovery/{id}/update.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var upd protocol.DiscoverySession
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if upd.SessionID == "" {
		upd.SessionID = id
	}
	if upd.SessionID != id {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id does not match path")
		return
	}

	d, err := h.daemons.Authorize(r.Context(), daemons.FromContext(r.Context()), upd.DaemonID)
	if err != nil {
		daemons.WriteAuthorizeError(w, err)
		return
	}
	if upd.NetworkID == "" {
		upd.NetworkID = d.NetworkID
	}
	if upd.NetworkID != d.NetworkID {
		writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, "network_id does not match daemon")
		return
	}

	if err := h.manager.Update(r.Context(), upd); err != nil {
		if errors.Is(err, ErrDaemonMismatch) {
			writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_update", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startSessionRequest struct {
	DefinitionID  string                  `json:"definition_id"`
	NetworkID     string                  `json:"network_id"`
	DaemonID      string                  `json:"daemon_id"`
	DiscoveryType *protocol.DiscoveryType `json:"discovery_type"`
	Actor         string                  `json:"actor"`
}

// HandleStartSession serves POST /api/discovery/start-session. The body names a
// stored definition or carries an inline one.
func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	var spec SessionSpec
	switch {
	case strings.TrimSpace(req.DefinitionID) != "":
		def, err := h.definitions.Get(r.Context(), strings.TrimSpace(req.DefinitionID))
		if err != nil {
			if definitions.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "not_found", "definition not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if def.RunType.Kind == definitions.RunKindHistorical {
			writeError(w, http.StatusBadRequest, "invalid_definition", "historical definitions cannot be started")
			return
		}
		spec = SpecFromDefinition(*def)
	case req.DiscoveryType != nil:
		spec = SessionSpec{
			NetworkID:     strings.TrimSpace(req.NetworkID),
			DaemonID:      strings.TrimSpace(req.DaemonID),
			DiscoveryType: *req.DiscoveryType,
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "definition_id or discovery_type is required")
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	sess, err := h.manager.Start(r.Context(), spec, actor)
	if err != nil {
		switch {
		case errors.Is(err, ErrDaemonNotFound):
			writeError(w, http.StatusNotFound, protocol.ErrCodeDaemonNotFound, err.Error())
		case errors.Is(err, ErrNetworkMismatch):
			writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// HandleCancel serves POST /api/discovery/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	if actor == "" {
		actor = "api"
	}

	err := h.manager.Cancel(r.Context(), id, actor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested", "session_id": id})
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, protocol.ErrCodeSessionNotFound, "session not found")
	case errors.Is(err, ErrRetryShortly):
		writeError(w, http.StatusConflict, protocol.ErrCodeRetryShortly, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// HandleDispatch serves POST /api/discovery/{id}/dispatch, a manual retry after a
// failed push.
func (h *Handler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := h.manager.RetryDispatch(r.Context(), id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, protocol.ErrCodeSessionNotFound, "session not found")
			return
		}
		writeError(w, http.StatusConflict, "dispatch_failed", err.Error())
		return
	}
	sess, _ := h.manager.Registry().Get(id)
	writeJSON(w, http.StatusOK, sess)
}

// HandleActiveSessions serves GET /api/discovery/active-sessions.
func (h *Handler) HandleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.ActiveSessions()
	if daemonID := strings.TrimSpace(r.URL.Query().Get("daemon_id")); daemonID != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.DaemonID == daemonID {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleStream serves GET /api/discovery/stream as server-sent events.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := "sse-" + uuid.NewString()
	ch := h.manager.Subscribe(subID)
	defer h.manager.Unsubscribe(subID)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}
