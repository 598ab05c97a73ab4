// Package server assembles the control server HTTP surface: health and
// version endpoints, the Prometheus exposition endpoint, the agent
// heartbeat protocol, and the deployment workflow API.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/fleetworks/helmsman/internal/errors"
	"github.com/fleetworks/helmsman/internal/server/handlers"
	"github.com/fleetworks/helmsman/internal/server/middleware"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/orchestrator"
)

// Server hosts the control API on one listener.
type Server struct {
	host   string
	port   int
	logger *zap.Logger

	queue     *heartbeat.Queue
	orch      *orchestrator.Orchestrator
	metrics   *handlers.Metrics
	pollRate  float64
	pollBurst int

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router chi.Router
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithQueue mounts the agent heartbeat endpoints.
func WithQueue(queue *heartbeat.Queue) Option {
	return func(s *Server) { s.queue = queue }
}

// WithOrchestrator mounts the deployment workflow endpoints.
func WithOrchestrator(orch *orchestrator.Orchestrator) Option {
	return func(s *Server) { s.orch = orch }
}

// WithMetrics mounts /metrics and instruments the handlers.
func WithMetrics(metrics *handlers.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithPollLimit tunes the per-node heartbeat rate limit.
func WithPollLimit(pollsPerSecond float64, burst int) Option {
	return func(s *Server) {
		s.pollRate = pollsPerSecond
		s.pollBurst = burst
	}
}

// WithTimeouts sets the listener's read/write/idle timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// New builds the server and its router. Heartbeat and workflow routes
// are only mounted when their dependencies are supplied.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		pollRate:     5,
		pollBurst:    10,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port; after Run binds port 0 it returns
// the actual listening port.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.CodeNotFound,
			"resource not found: "+req.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			req.Method+" is not allowed for "+req.URL.Path, nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	if s.queue != nil {
		hb := handlers.NewHeartbeatHandler(s.queue, s.metrics, s.logger)
		r.Route("/api/control/node/{nodeID}/agent/heartbeat", func(r chi.Router) {
			r.Use(middleware.PollLimiter(s.pollRate, s.pollBurst))
			r.Get("/", hb.Poll)
			r.Post("/", hb.Report)
		})
	}

	if s.orch != nil {
		dh := handlers.NewDeployHandler(s.orch, s.metrics, s.logger)
		r.Post("/api/control/cluster/deploy", dh.Step)
		r.Get("/api/control/requests", dh.List)
		r.Get("/api/control/requests/{requestID}", dh.Get)
	}

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	s.logger.Info("control server listening",
		zap.String("host", s.host), zap.Int("port", s.port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("control server stopped")
	return nil
}
