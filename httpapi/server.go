// Package httpapi exposes a read-only HTTP view of a service registry:
// contracts, ranked lookups, filter validation and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/svcregistry"
)

// DeclarationStatus reports the state of file-declared registrations.
// *declare.Syncer implements it.
type DeclarationStatus interface {
	Published() []string
	LastSync() (time.Time, error)
}

// Server serves the introspection API.
type Server struct {
	sc           *svcregistry.ServiceContext
	logger       svcregistry.Logger
	gatherer     prometheus.Gatherer
	metricsPath  string
	declarations DeclarationStatus
	router       *chi.Mux
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g on the metrics path.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetricsPath overrides "/metrics".
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithDeclarations adds GET /v1/declarations.
func WithDeclarations(d DeclarationStatus) Option {
	return func(s *Server) { s.declarations = d }
}

// WithLogger overrides the service context's logger.
func WithLogger(logger svcregistry.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the router for sc.
func NewServer(sc *svcregistry.ServiceContext, opts ...Option) (*Server, error) {
	if sc == nil {
		return nil, svcregistry.ErrRegistryNil
	}
	s := &Server{
		sc:          sc,
		logger:      sc.Logger(),
		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/contracts", s.handleContracts)
		r.Route("/contracts/{contract}", func(r chi.Router) {
			r.Get("/services", s.handleServices)
			r.Get("/best", s.handleBest)
		})
		r.Post("/filters/validate", s.handleValidateFilter)
		if s.declarations != nil {
			r.Get("/declarations", s.handleDeclarations)
		}
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the chi router so callers can mount extra routes.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ListenConfig holds the listener settings for ListenAndServe.
type ListenConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// ready, if non-nil, receives the bound address once the listener is open.
func (s *Server) ListenAndServe(ctx context.Context, cfg ListenConfig, ready chan<- net.Addr) error {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Address, err)
	}
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("HTTP API listening", "address", ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP API stopped")
	return nil
}
