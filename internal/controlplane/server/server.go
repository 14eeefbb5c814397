// Package server wires together all control-plane subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/config"
	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/controlplane/discovery"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/controlplane/metrics"
	cpws "github.com/marcus-qen/scanfleet/internal/controlplane/websocket"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	// Persistence
	definitionStore *definitions.Store
	daemonStore     *daemons.Store

	// Discovery engine
	manager   *discovery.Manager
	scheduler *discovery.Scheduler
	reaper    *discovery.Reaper

	// Events
	eventBus    *events.Bus
	kafkaWriter *kafka.Writer
	forwarder   *events.Forwarder
	hub         *cpws.Hub

	metrics *metrics.Collector

	// HTTP handlers
	daemonHandlers     *daemons.Handler
	definitionHandlers *definitions.Handler
	discoveryHandlers  *discovery.Handler

	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	s.eventBus = events.NewBus(cfg.BroadcastBuffer)

	if err := s.initStores(); err != nil {
		s.Close()
		return nil, err
	}
	s.initDiscovery()
	s.initForwarder()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     requestLogMiddleware(s.logger.Named("http"), maxBodySizeMiddleware(mux)),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the SSE and WebSocket streams are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Load(ctx); err != nil {
		return fmt.Errorf("load discovery schedules: %w", err)
	}
	s.scheduler.Start()
	defer s.scheduler.Stop()

	go s.reaper.Run(ctx)

	if s.forwarder != nil {
		go s.forwarder.Run(ctx, s.eventBus)
	}

	s.logger.Info("starting control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("postgres", s.cfg.UsesPostgres()),
		zap.Bool("kafka", s.forwarder != nil),
		zap.Bool("demo_mode", s.cfg.DemoMode),
		zap.Duration("stall_threshold", s.cfg.StallThreshold.Std()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	if s.kafkaWriter != nil {
		if err := s.kafkaWriter.Close(); err != nil {
			s.logger.Warn("close kafka writer", zap.Error(err))
		}
	}
	if s.definitionStore != nil {
		s.definitionStore.Close()
	}
	if s.daemonStore != nil {
		s.daemonStore.Close()
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ── Init helpers ─────────────────────────────────────────────

func (s *Server) initStores() error {
	if err := os.MkdirAll(s.cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if s.cfg.UsesPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		store, err := definitions.NewPostgresStore(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open definitions store: %w", err)
		}
		s.definitionStore = store
	} else {
		path := filepath.Join(s.cfg.DataDir, "definitions.db")
		store, err := definitions.NewStore(path)
		if err != nil {
			return fmt.Errorf("open definitions store %s: %w", path, err)
		}
		s.definitionStore = store
	}

	daemonDBPath := filepath.Join(s.cfg.DataDir, "daemons.db")
	store, err := daemons.NewStore(daemonDBPath)
	if err != nil {
		return fmt.Errorf("open daemon store %s: %w", daemonDBPath, err)
	}
	s.daemonStore = store
	return nil
}

func (s *Server) initDiscovery() {
	registry := discovery.NewRegistry()
	s.metrics = metrics.NewCollector(registry, &hubConnectedAdapter{server: s})

	historian := discovery.NewHistorian(s.definitionStore, s.eventBus, s.logger.Named("history"))
	dispatcher := discovery.NewHTTPDispatcher(nil)

	s.manager = discovery.NewManager(discovery.ManagerDeps{
		Registry:    registry,
		Daemons:     s.daemonStore,
		Dispatcher:  dispatcher,
		Historian:   historian,
		Definitions: s.definitionStore,
		Bus:         s.eventBus,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})

	s.scheduler = discovery.NewScheduler(
		discovery.NewCron(),
		s.definitionStore,
		s.manager,
		s.eventBus,
		s.metrics,
		s.logger.Named("scheduler"),
	)

	s.reaper = discovery.NewReaper(s.manager, discovery.ReaperConfig{
		EvictionInterval: s.cfg.EvictionInterval.Std(),
		Retention:        s.cfg.Retention.Std(),
		StallInterval:    s.cfg.StallSweepInterval.Std(),
		StallThreshold:   s.cfg.StallThreshold.Std(),
	}, s.logger.Named("reaper"))

	s.hub = cpws.NewHub(s.manager, s.logger.Named("ws"))

	s.daemonHandlers = daemons.NewHandler(s.daemonStore, s.eventBus, s.cfg.DemoMode, s.logger.Named("daemons"))
	s.definitionHandlers = definitions.NewHandler(s.definitionStore, s.scheduler, s.eventBus)
	s.discoveryHandlers = discovery.NewHandler(s.manager, s.daemonStore, s.definitionStore, s.logger.Named("discovery-api"))
}

func (s *Server) initForwarder() {
	if !s.cfg.Kafka.Enabled() {
		return
	}
	s.kafkaWriter = events.NewKafkaWriter(s.cfg.Kafka.Brokers, s.cfg.Kafka.Topic)
	s.forwarder = events.NewForwarder(s.kafkaWriter, s.logger.Named("kafka"))
	s.logger.Info("kafka forwarding enabled",
		zap.Strings("brokers", s.cfg.Kafka.Brokers),
		zap.String("topic", s.cfg.Kafka.Topic),
	)
}

// hubConnectedAdapter reports observer connections once the hub exists.
type hubConnectedAdapter struct {
	server *Server
}

func (a *hubConnectedAdapter) Connected() int {
	if a.server.hub == nil {
		return 0
	}
	return a.server.hub.Connected()
}
