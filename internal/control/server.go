package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the control server.
type Deps struct {
	Config         config.ServerConfig
	WS             config.WebSocketConfig
	Logger         *logging.Logger
	Laser          *laser.Controller
	CommandTimeout time.Duration
	Version        string
}

// Server is the network front end for one laser controller.
//
// It owns the HTTP listener, the WebSocket hub, and the primary-role
// Arbiter. The server is created with New() and started with Start().
type Server struct {
	cfg            config.ServerConfig
	wsCfg          config.WebSocketConfig
	logger         *logging.Logger
	laser          *laser.Controller
	arbiter        *Arbiter
	hub            *Hub
	commandTimeout time.Duration
	version        string
	server         *http.Server
	cancel         context.CancelFunc
}

// New creates a new control server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, laser controller)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Laser == nil {
		return nil, fmt.Errorf("laser controller is required")
	}
	timeout := deps.CommandTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	log := deps.Logger.With("component", "control")
	return &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		logger:         log,
		laser:          deps.Laser,
		arbiter:        NewArbiter(deps.Logger),
		hub:            NewHub(deps.WS, log),
		commandTimeout: timeout,
		version:        deps.Version,
	}, nil
}

// Hub returns the server's WebSocket hub, for wiring the status poller's
// broadcasts.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Arbiter returns the server's primary-role arbiter.
func (s *Server) Arbiter() *Arbiter {
	return s.arbiter
}

// Handler returns the server's HTTP handler, for embedding in an
// existing listener instead of calling Start.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		s.logger.Info("control server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}()

	return nil
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/limits", s.handleLimits)
		r.Post("/primary/force-release", s.handleForceRelease)
	})

	r.Get(s.wsCfg.Path, s.handleWebSocket)

	return r
}

// handleHealth reports server and instrument liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.laser.Heartbeat(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Warn("health check heartbeat failed", "error", err)
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       s.version,
		"serial_number": s.laser.SerialNumber(),
		"clients":       s.hub.ClientCount(),
		"primary":       s.arbiter.Holder() != "",
	})
}

// handleStatus returns the latest instrument snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.laser.Status())
}

// handleLimits returns the configured legal ranges.
func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, limitsResponse(s.laser.Limits()))
}

// handleForceRelease frees the primary role over plain HTTP, for
// operators recovering without a protocol client to hand.
func (s *Server) handleForceRelease(w http.ResponseWriter, _ *http.Request) {
	prev := s.arbiter.ForceRelease()
	if prev != "" {
		s.hub.BroadcastAll(EventPrimaryChanged, PrimaryChangedEvent{Holder: "", Forced: true})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released":        prev != "",
		"previous_holder": prev,
	})
}

// Close gracefully shuts down the control server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("control server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down control server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("control health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("control server not started")
	}

	return nil
}
