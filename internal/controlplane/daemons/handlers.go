package daemons

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// Publisher receives daemon events.
type Publisher interface {
	Publish(evt events.Event)
}

// Handler serves the daemon registration, presence and key endpoints.
type Handler struct {
	store     *Store
	publisher Publisher
	demoMode  bool
	logger    *zap.Logger
}

// NewHandler creates a daemons API handler.
func NewHandler(store *Store, publisher Publisher, demoMode bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, publisher: publisher, demoMode: demoMode, logger: logger.Named("daemons")}
}

// HandleRegister serves POST /api/daemons/register.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if h.demoMode {
		writeError(w, http.StatusForbidden, protocol.ErrCodeDemoMode, "daemon registration is disabled in demo mode")
		return
	}

	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if key := FromContext(r.Context()); key != nil && key.NetworkID != req.NetworkID {
		writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, "api key is not valid for this network")
		return
	}

	d, err := h.store.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrModeImmutable):
			writeError(w, http.StatusConflict, "mode_immutable", err.Error())
		case errors.Is(err, ErrWrongNetwork):
			writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}

	h.logger.Info("daemon registered",
		zap.String("daemon_id", d.ID),
		zap.String("network_id", d.NetworkID),
		zap.String("mode", string(d.Mode)),
	)
	h.publish(events.DaemonRegistered, d.ID, "daemon registered: "+d.Name)
	writeJSON(w, http.StatusCreated, protocol.RegisterResponse{DaemonID: d.ID})
}

// HandleStartup serves POST /api/daemons/{id}/startup.
func (h *Handler) HandleStartup(w http.ResponseWriter, r *http.Request) {
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req protocol.StartupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if err := h.store.SetVersion(r.Context(), d.ID, req.Version); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	d.Version = req.Version

	h.logger.Info("daemon started", zap.String("daemon_id", d.ID), zap.String("version", req.Version))
	h.publish(events.DaemonStartup, d.ID, "daemon started: "+d.Name)
	writeJSON(w, http.StatusOK, d)
}

// HandleHeartbeat serves POST /api/daemons/{id}/heartbeat.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	d, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var presence protocol.DaemonPresence
	if err := json.NewDecoder(r.Body).Decode(&presence); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.store.Touch(r.Context(), d.ID, presence); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleList serves GET /api/daemons.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleCreateKey serves POST /api/daemon-keys.
func (h *Handler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		NetworkID string `json:"network_id"`
		Active    *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	key, plain, err := h.store.CreateKey(r.Context(), req.Name, strings.TrimSpace(req.NetworkID), active)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"api_key": plain,
	})
}

// HandleListKeys serves GET /api/daemon-keys.
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// HandleActivateKey serves POST /api/daemon-keys/{id}/activate.
func (h *Handler) HandleActivateKey(w http.ResponseWriter, r *http.Request) {
	h.changeKeyState(w, r, h.store.ActivateKey)
}

// HandleRevokeKey serves POST /api/daemon-keys/{id}/revoke.
func (h *Handler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	h.changeKeyState(w, r, h.store.RevokeKey)
}

func (h *Handler) changeKeyState(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, id string) (*APIKey, error)) {
	id := strings.TrimSpace(r.PathValue("id"))
	key, err := change(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	key.KeyHash = ""
	writeJSON(w, http.StatusOK, key)
}

// authorize resolves the {id} path daemon against the calling key.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*Daemon, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	d, err := h.store.Authorize(r.Context(), FromContext(r.Context()), id)
	if err != nil {
		WriteAuthorizeError(w, err)
		return nil, false
	}
	return d, true
}

// WriteAuthorizeError maps Authorize failures onto the JSON error envelope.
func WriteAuthorizeError(w http.ResponseWriter, err error) {
	switch {
	case IsNotFound(err):
		writeError(w, http.StatusNotFound, protocol.ErrCodeDaemonNotFound, "daemon not found")
	case errors.Is(err, ErrWrongNetwork):
		writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (h *Handler) publish(typ events.EventType, daemonID, summary string) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(events.Event{Type: typ, DaemonID: daemonID, Summary: summary})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}
