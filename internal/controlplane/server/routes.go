package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Daemon-facing endpoints authenticate with a daemon API key.
	requireKey := daemons.RequireKey(s.daemonStore, s.logger.Named("auth"))
	daemon := func(h http.HandlerFunc) http.Handler { return requireKey(h) }

	mux.Handle("POST /api/daemons/register", daemon(s.daemonHandlers.HandleRegister))
	mux.Handle("POST /api/daemons/{id}/startup", daemon(s.daemonHandlers.HandleStartup))
	mux.Handle("POST /api/daemons/{id}/heartbeat", daemon(s.daemonHandlers.HandleHeartbeat))
	mux.Handle("POST /api/daemons/{id}/request-work", daemon(s.discoveryHandlers.HandleRequestWork))
	mux.Handle("POST /api/discovery/{id}/update", daemon(s.discoveryHandlers.HandleUpdate))

	// Operator endpoints
	mux.HandleFunc("GET /api/daemons", s.daemonHandlers.HandleList)
	mux.HandleFunc("GET /api/daemon-keys", s.daemonHandlers.HandleListKeys)
	mux.HandleFunc("POST /api/daemon-keys", s.daemonHandlers.HandleCreateKey)
	mux.HandleFunc("POST /api/daemon-keys/{id}/activate", s.daemonHandlers.HandleActivateKey)
	mux.HandleFunc("POST /api/daemon-keys/{id}/revoke", s.daemonHandlers.HandleRevokeKey)

	mux.HandleFunc("POST /api/discovery/start-session", s.discoveryHandlers.HandleStartSession)
	mux.HandleFunc("POST /api/discovery/{id}/cancel", s.discoveryHandlers.HandleCancel)
	mux.HandleFunc("POST /api/discovery/{id}/dispatch", s.discoveryHandlers.HandleDispatch)
	mux.HandleFunc("GET /api/discovery/active-sessions", s.discoveryHandlers.HandleActiveSessions)
	mux.HandleFunc("GET /api/discovery/stream", s.discoveryHandlers.HandleStream)
	mux.HandleFunc("GET /api/discovery/ws", s.hub.HandleWS)
	mux.HandleFunc("GET /api/discovery/observers", s.handleListObservers)

	mux.HandleFunc("GET /api/discovery/definitions", s.definitionHandlers.HandleList)
	mux.HandleFunc("POST /api/discovery/definitions", s.definitionHandlers.HandleCreate)
	mux.HandleFunc("GET /api/discovery/definitions/{id}", s.definitionHandlers.HandleGet)
	mux.HandleFunc("PUT /api/discovery/definitions/{id}", s.definitionHandlers.HandleUpdate)
	mux.HandleFunc("DELETE /api/discovery/definitions/{id}", s.definitionHandlers.HandleDelete)
	mux.HandleFunc("GET /api/discovery/definitions/{id}/next-run", s.handleNextRun)
}

// ── Health / Version ─────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Discovery extras ─────────────────────────────────────────

func (s *Server) handleListObservers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.hub.List())
}

func (s *Server) handleNextRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	next, ok := s.scheduler.Next(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_scheduled", "definition has no active schedule")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"definition_id": id, "next_run": next})
}

// writeJSONError writes the shared {error, code} envelope.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: message, Code: code})
}
