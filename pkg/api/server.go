package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
)

// Server is the internal HTTP surface of the lifecycle core. It is not
// the user-facing API: the gateway in front of it authenticates end
// users and forwards requests with the shared internal token plus the
// resolved owner in X-Owner-ID. Everything under /internal/v1 requires
// the token; /healthz, /readyz and /metrics do not.
type Server struct {
	cfg       *config.Config
	manager   *manager.Manager
	ingestor  *evidence.Ingestor
	selector  *runtime.Selector
	doctor    *runtime.Doctor
	retention *evidence.Retention
	gc        *evidence.GC
	watchdog  *reconciler.Watchdog
	store     storage.Store
	broker    *events.Broker
	logger    zerolog.Logger
	version   string

	httpSrv *http.Server
	ln      net.Listener
}

// Deps are the collaborators the server exposes over HTTP.
type Deps struct {
	Manager   *manager.Manager
	Ingestor  *evidence.Ingestor
	Selector  *runtime.Selector
	Doctor    *runtime.Doctor
	Retention *evidence.Retention
	GC        *evidence.GC
	Watchdog  *reconciler.Watchdog
	Store     storage.Store

	// Broker receives admin events (runtime overrides). May be nil.
	Broker *events.Broker

	// Version shows up in /healthz; the build injects it.
	Version string
}

// NewServer creates the internal API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		cfg:       cfg,
		manager:   deps.Manager,
		ingestor:  deps.Ingestor,
		selector:  deps.Selector,
		doctor:    deps.Doctor,
		retention: deps.Retention,
		gc:        deps.GC,
		watchdog:  deps.Watchdog,
		store:     deps.Store,
		broker:    deps.Broker,
		logger:    log.WithComponent("api"),
		version:   version,
	}
}

// Router builds the route table. Exposed so tests can drive handlers
// through httptest without opening a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/internal/v1").Subrouter()
	v1.Use(s.instrument, s.authenticate)

	v1.HandleFunc("/labs", s.handleCreateLab).Methods(http.MethodPost)
	v1.HandleFunc("/labs", s.handleListLabs).Methods(http.MethodGet)
	v1.HandleFunc("/labs/{id}", s.handleGetLab).Methods(http.MethodGet)
	v1.HandleFunc("/labs/{id}/stop", s.handleStopLab).Methods(http.MethodPost)
	v1.HandleFunc("/labs/{id}/events", s.handleIngest).Methods(http.MethodPost)

	v1.HandleFunc("/runtime", s.handleRuntime).Methods(http.MethodGet)
	v1.HandleFunc("/runtime/override", s.handleOverride).Methods(http.MethodPost)
	v1.HandleFunc("/doctor", s.handleDoctor).Methods(http.MethodGet)

	v1.HandleFunc("/retention", s.handleRetention).Methods(http.MethodPost)
	v1.HandleFunc("/gc", s.handleGC).Methods(http.MethodPost)
	v1.HandleFunc("/watchdog", s.handleWatchdog).Methods(http.MethodPost)

	return r
}

// Start binds the configured address and serves in the background. Bind
// errors surface here; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.APIAddr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.cfg.APIAddr, err)
	}
	s.ln = ln

	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: admin runs (watchdog, gc, retention) hold
		// the response open for as long as their own destroy timeouts
		// allow, which can exceed any fixed cap.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server exited")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("internal api listening")
	return nil
}

// Addr returns the bound address, useful when the config asked for an
// ephemeral port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.APIAddr
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info().Msg("internal api stopped")
	return nil
}
