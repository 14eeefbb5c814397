package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/daemon/scan"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// PushServer accepts sessions the server dispatches to a push-mode daemon.
type PushServer struct {
	addr   string
	runner SessionRunner
	logger *zap.Logger
}

// NewPushServer creates the push endpoint server.
func NewPushServer(addr string, runner SessionRunner, logger *zap.Logger) *PushServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushServer{addr: addr, runner: runner, logger: logger.Named("push")}
}

// Handler returns the push routes.
func (s *PushServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("POST /api/discovery/initiate", s.handleInitiate)
	mux.HandleFunc("POST /api/discovery/cancel", s.handleCancel)

	return http.MaxBytesHandler(mux, 64<<10)
}

func (s *PushServer) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req protocol.DiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if err := req.DiscoveryType.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.runner.Start(req); err != nil {
		switch {
		case errors.Is(err, scan.ErrBusy):
			writeError(w, http.StatusConflict, "busy", err.Error())
		case errors.Is(err, scan.ErrUnsupported):
			writeError(w, http.StatusUnprocessableEntity, "unsupported_discovery_type", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	s.logger.Info("session accepted", zap.String("session_id", req.SessionID), zap.String("discovery_type", req.DiscoveryType.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": req.SessionID})
}

// handleCancel takes the bare session id as a JSON string.
func (s *PushServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if err := json.NewDecoder(r.Body).Decode(&sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON string session id")
		return
	}
	cancelled := s.runner.Cancel(strings.TrimSpace(sessionID))
	s.logger.Info("cancel requested", zap.String("session_id", sessionID), zap.Bool("was_running", cancelled))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// Run serves until ctx is cancelled.
func (s *PushServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("push endpoint listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("push endpoint: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}
